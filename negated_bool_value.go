package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"
)

// negatedFlag is a `pflag.Value` that sets an existing boolean flag to
// the opposite of its own argument, so that `--X` and `--no-X` share
// one variable and whichever comes last wins.
type negatedFlag struct {
	positive pflag.Value
}

func (v negatedFlag) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	return v.positive.Set(strconv.FormatBool(!b))
}

func (v negatedFlag) String() string {
	if v.positive == nil {
		return "false"
	}
	b, err := strconv.ParseBool(v.positive.String())
	if err != nil {
		return ""
	}
	return strconv.FormatBool(!b)
}

func (v negatedFlag) Type() string {
	return "bool"
}

// addNegatedFlag registers `--no-<name>` as the inverse of the boolean
// flag `name`, which must already be defined.
func addNegatedFlag(flags *pflag.FlagSet, name, usage string) {
	positive := flags.Lookup(name)
	if positive == nil || positive.Value.Type() != "bool" {
		panic(fmt.Sprintf("--%s is not a boolean flag", name))
	}
	flags.Var(negatedFlag{positive.Value}, "no-"+name, usage)
	flags.Lookup("no-" + name).NoOptDefVal = "true"
}
