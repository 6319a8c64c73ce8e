package extract

import (
	"io"
	"os"
	"time"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

type progress struct {
	p     *mpb.Progress
	bar   *mpb.Bar
	total int64
}

// newProgress renders a bar of the consumed input bytes on w. Log lines are
// printed above the bar until done is called.
func newProgress(w io.Writer, name string, size int64) *progress {
	p := mpb.New(
		mpb.WithWidth(60),
		mpb.WithOutput(w),
		mpb.WithRefreshRate(180*time.Millisecond),
	)
	bar := p.New(size, mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(name+" "),
			decor.CountersKibiByte("% 6.1f / % 6.1f"),
		),
		mpb.AppendDecorators(
			decor.Name(" ] "),
			decor.OnComplete(decor.Percentage(), "✅"),
		),
	)
	log.SetHandler(clihander.New(p))
	return &progress{p: p, bar: bar, total: size}
}

func (pr *progress) incr(n int64) {
	pr.bar.IncrInt64(n)
}

// done completes the bar, or drops it when the extraction failed. Trailing
// padding is never reported, so a successful run fills the bar itself.
func (pr *progress) done(err error) {
	if err != nil {
		pr.bar.Abort(true)
	} else if pr.total > 0 {
		pr.bar.SetCurrent(pr.total)
	} else {
		pr.bar.SetTotal(-1, true)
	}
	pr.p.Wait()
	log.SetHandler(clihander.Default)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
