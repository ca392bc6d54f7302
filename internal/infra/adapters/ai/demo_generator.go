package ai

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"hearing-summarizer/internal/domain/ports/adapter"
)

var _ adapter.Generator = (*DemoGenerator)(nil)

// DemoGenerator emits a scripted summary for local/dev runs without an AI key.
type DemoGenerator struct {
	delay     time.Duration
	chunkSize int
}

func NewDemoGenerator(delay time.Duration) *DemoGenerator {
	return &DemoGenerator{delay: delay, chunkSize: 24}
}

func (d *DemoGenerator) Name() string { return "demo" }

func (d *DemoGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.GenerationEvent, error) {
	script := demoScript(req)
	out := make(chan adapter.GenerationEvent, 4)
	go func() {
		defer close(out)
		var split splitter
		for _, part := range chunkRunes(script, d.chunkSize) {
			if d.delay > 0 {
				select {
				case <-time.After(d.delay):
				case <-ctx.Done():
					return
				}
			}
			if _, ok := sendPieces(ctx, out, split.Feed(part)); !ok {
				return
			}
		}
		if _, ok := sendPieces(ctx, out, split.Flush()); !ok {
			return
		}
		send(ctx, out, adapter.GenerationEvent{
			Type:       adapter.GenerationDone,
			ResponseID: fmt.Sprintf("demo-%s-%d-%d", req.JobID, req.VariantIndex, req.Attempt),
		})
	}()
	return out, nil
}

func demoScript(req adapter.GenerationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Opsummering af høring %s\n\n", req.HearingID)
	fmt.Fprintf(&b, "Variant %d bygger på %d tegn høringsmateriale.\n\n", req.VariantIndex, utf8.RuneCountInString(req.Input))
	b.WriteString("## Hovedtemaer\n\n- Trafik og parkering\n- Grønne områder\n- Støj\n\n")
	b.WriteString("## Holdninger\n\nFlertallet af svarene er positive, med forbehold for byggehøjder.\n\n")
	b.WriteString(summaryMarker + "\n")
	b.WriteString("Overvejende opbakning med bekymring for trafik og støj.")
	return b.String()
}

func chunkRunes(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
