package meter_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/rprops/EMIRGE/meter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// syncBuffer is a `bytes.Buffer` that can be written to concurrently.
type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func TestProgressMeter(t *testing.T) {
	var out syncBuffer
	p := meter.NewProgressMeter(&out, time.Millisecond)

	p.Start("Processed: %s")
	p.Add(49999)
	p.Inc()
	time.Sleep(20 * time.Millisecond)
	p.Done()

	s := out.String()
	assert.True(t, strings.HasSuffix(s, "\n"))
	assert.Contains(t, s, "Processed: 50.0k")
	assert.Contains(t, s, "\r", "periodic updates end in CR")

	// Done() a second time is a no-op:
	p.Done()
	assert.Equal(t, s, out.String())

	// The meter can be reused, starting from zero:
	p.Start("Again: %s")
	p.Inc()
	p.Done()
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
	assert.Contains(t, out.String(), "Again: 1 ")
}

func TestNoProgressMeter(t *testing.T) {
	var p meter.Progress = &meter.NoProgressMeter{}
	p.Start("%s")
	p.Inc()
	p.Add(10)
	p.Done()
}
