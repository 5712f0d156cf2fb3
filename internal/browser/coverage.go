package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/errgroup"

	"testscope/internal/coverage"
	"testscope/internal/event"
	"testscope/internal/logging"
)

// StartCoverage starts precise JS block coverage and CSS rule usage
// tracking in parallel.
func (s *Session) StartCoverage(ctx context.Context) error {
	page := s.page.Context(ctx)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := (proto.ProfilerEnable{}).Call(page); err != nil {
			return fmt.Errorf("enable profiler: %w", err)
		}
		if _, err := (proto.DebuggerEnable{}).Call(page); err != nil {
			return fmt.Errorf("enable debugger: %w", err)
		}
		if _, err := (proto.ProfilerStartPreciseCoverage{CallCount: false, Detailed: true}).Call(page); err != nil {
			return fmt.Errorf("start js coverage: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := (proto.DOMEnable{}).Call(page); err != nil {
			return fmt.Errorf("enable dom: %w", err)
		}
		if err := (proto.CSSEnable{}).Call(page); err != nil {
			return fmt.Errorf("enable css: %w", err)
		}
		if err := (proto.CSSStartRuleUsageTracking{}).Call(page); err != nil {
			return fmt.Errorf("start css coverage: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// TakeCoverage stops both trackers and returns every script and
// stylesheet with a URL, with its used ranges.
func (s *Session) TakeCoverage(ctx context.Context) ([]event.CoverageResource, error) {
	timer := logging.StartTimer(logging.CategoryCoverage, "take coverage")
	defer timer.Stop()

	var (
		mu  sync.Mutex
		js  []event.CoverageResource
		css []event.CoverageResource
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.takeJS(gctx)
		mu.Lock()
		js = res
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		res, err := s.takeCSS(gctx)
		mu.Lock()
		css = res
		mu.Unlock()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(js, css...), nil
}

func (s *Session) takeJS(ctx context.Context) ([]event.CoverageResource, error) {
	page := s.page.Context(ctx)
	res, err := (proto.ProfilerTakePreciseCoverage{}).Call(page)
	if err != nil {
		return nil, fmt.Errorf("take js coverage: %w", err)
	}
	if err := (proto.ProfilerStopPreciseCoverage{}).Call(page); err != nil {
		logging.CoverageDebug("stop js coverage: %v", err)
	}

	var out []event.CoverageResource
	for _, script := range res.Result {
		if script.URL == "" {
			continue
		}
		src, err := (proto.DebuggerGetScriptSource{ScriptID: script.ScriptID}).Call(page)
		if err != nil {
			logging.CoverageDebug("script source for %s: %v", script.URL, err)
			continue
		}
		var blocks []coverage.BlockRange
		for _, fn := range script.Functions {
			for _, r := range fn.Ranges {
				blocks = append(blocks, coverage.BlockRange{Start: r.StartOffset, End: r.EndOffset, Count: r.Count})
			}
		}
		out = append(out, event.CoverageResource{
			URL:    script.URL,
			Type:   coverage.TypeJS,
			Text:   src.ScriptSource,
			Ranges: coverage.DisjointRanges(blocks),
		})
	}
	return out, nil
}

func (s *Session) takeCSS(ctx context.Context) ([]event.CoverageResource, error) {
	page := s.page.Context(ctx)
	res, err := (proto.CSSStopRuleUsageTracking{}).Call(page)
	if err != nil {
		return nil, fmt.Errorf("take css coverage: %w", err)
	}

	usage := make(map[proto.CSSStyleSheetID][]coverage.RuleUsage)
	for _, r := range res.RuleUsage {
		usage[r.StyleSheetID] = append(usage[r.StyleSheetID], coverage.RuleUsage{
			Start: int(r.StartOffset),
			End:   int(r.EndOffset),
			Used:  r.Used,
		})
	}

	s.mu.Lock()
	ids := make([]proto.CSSStyleSheetID, 0, len(s.sheets))
	urls := make(map[proto.CSSStyleSheetID]string, len(s.sheets))
	for id, url := range s.sheets {
		if url == "" {
			continue
		}
		ids = append(ids, id)
		urls[id] = url
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []event.CoverageResource
	for _, id := range ids {
		text, err := (proto.CSSGetStyleSheetText{StyleSheetID: id}).Call(page)
		if err != nil {
			logging.CoverageDebug("stylesheet text for %s: %v", urls[id], err)
			continue
		}
		out = append(out, event.CoverageResource{
			URL:    urls[id],
			Type:   coverage.TypeCSS,
			Text:   text.Text,
			Ranges: coverage.CSSRanges(usage[id]),
		})
	}
	return out, nil
}
