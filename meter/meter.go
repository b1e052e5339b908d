package meter

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rprops/EMIRGE/counts"
)

// Progress is an interface for a simple progress meter. Call
// `Start()` to begin reporting. `format` should include some kind of
// '%s' field, into which will be written the current count. A spinner
// and a CR character will be added automatically.
//
// Call `Inc()` every time the quantity of interest increases. Call
// `Done()` to stop reporting. After an instance's `Done()` method has
// been called, it may be reused (starting at value 0) by calling
// `Start()` again.
type Progress interface {
	Start(format string)
	Inc()
	Add(delta int64)
	Done()
}

var Spinners = []string{"|", "(", "<", "-", "<", "(", "|", ")", ">", "-", ">", ")"}

// progressMeter is a `Progress` that writes the current state to `w`
// every `period`.
type progressMeter struct {
	w      io.Writer
	period time.Duration

	lock         sync.Mutex
	format       string
	spinnerIndex int
	// Closing `stop` tells the reporting goroutine that it's time to
	// shut down; it closes `stopped` on its way out.
	stop    chan struct{}
	stopped chan struct{}

	// `count` is updated atomically:
	count int64
}

func NewProgressMeter(w io.Writer, period time.Duration) Progress {
	return &progressMeter{
		w:      w,
		period: period,
	}
}

func (p *progressMeter) Start(format string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.format = format + "   %s                    %s"
	atomic.StoreInt64(&p.count, 0)
	p.spinnerIndex = 0
	stop, stopped := make(chan struct{}), make(chan struct{})
	p.stop, p.stopped = stop, stopped

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(p.period)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			p.lock.Lock()
			c := atomic.LoadInt64(&p.count)
			var s string
			if c == 0 {
				p.spinnerIndex = (p.spinnerIndex + 1) % len(Spinners)
				s = Spinners[p.spinnerIndex]
			}
			fmt.Fprintf(p.w, p.format, humanCount(c), s, "\r")
			p.lock.Unlock()
		}
	}()
}

func (p *progressMeter) Inc() {
	atomic.AddInt64(&p.count, 1)
}

func (p *progressMeter) Add(delta int64) {
	atomic.AddInt64(&p.count, delta)
}

func (p *progressMeter) Done() {
	p.lock.Lock()
	stop, stopped := p.stop, p.stopped
	p.stop, p.stopped = nil, nil
	p.lock.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped

	p.lock.Lock()
	defer p.lock.Unlock()
	c := atomic.LoadInt64(&p.count)
	fmt.Fprintf(p.w, p.format, humanCount(c), " ", "\n")
}

func humanCount(c int64) string {
	if c < 0 {
		c = 0
	}
	return counts.NewCount64(uint64(c)).String()
}

// NoProgressMeter is a `Progress` that doesn't actually report
// anything.
type NoProgressMeter struct{}

func (p *NoProgressMeter) Start(string) {}
func (p *NoProgressMeter) Inc()         {}
func (p *NoProgressMeter) Add(int64)    {}
func (p *NoProgressMeter) Done()        {}
