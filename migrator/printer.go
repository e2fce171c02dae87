package migrator

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// Printer reports progress of a backfill.
type Printer interface {
	// Notify that keys below |next| have been copied, of keys through |limit|.
	Notify(next, limit int64)
	// End notifies that the backfill completed.
	End()
	// Exception notifies that the backfill failed.
	Exception(err error)
}

// Percentage is a Printer which logs the percentage of keys copied.
type Percentage struct {
	Log log.FieldLogger
}

// Notify implements Printer.
func (p Percentage) Notify(next, limit int64) {
	// |next| exceeds |limit| once the final window is copied.
	if limit == 0 || next >= limit {
		return
	}
	p.logger().Infof("%.2f%% (%s/%s) complete",
		float64(next)/float64(limit)*100.0, humanize.Comma(next), humanize.Comma(limit))
}

// End implements Printer.
func (p Percentage) End() { p.logger().Info("100% complete") }

// Exception implements Printer.
func (p Percentage) Exception(err error) { p.logger().Errorf("failed: %s", err) }

func (p Percentage) logger() log.FieldLogger {
	if p.Log == nil {
		return log.StandardLogger()
	}
	return p.Log
}

// Dot is a Printer which writes a dot per copied window.
type Dot struct {
	W io.Writer
}

// Notify implements Printer.
func (d Dot) Notify(int64, int64) { _, _ = io.WriteString(d.W, ".") }

// End implements Printer.
func (d Dot) End() { _, _ = io.WriteString(d.W, "\n") }

// Exception implements Printer.
func (d Dot) Exception(err error) { _, _ = fmt.Fprintf(d.W, "\nfailed: %s\n", err) }
