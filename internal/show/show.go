// Package show implements the ShowEngine: a read-only listing of every
// project's groups and member states (spec.md §4.7).
package show

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/lonerr/jroll/internal/jailinspect"
	"github.com/lonerr/jroll/internal/model"
	"github.com/lonerr/jroll/internal/remote"
	"github.com/lonerr/jroll/internal/resolver"
)

// Engine is the show orchestrator.
type Engine struct {
	Inspector *jailinspect.Inspector
	Resolver  *resolver.Resolver
	Log       zerolog.Logger
}

func New(exec remote.Exec, log zerolog.Logger) *Engine {
	return &Engine{
		Inspector: jailinspect.New(exec, log),
		Resolver:  resolver.New(),
		Log:       log,
	}
}

// Show writes a listing for p to w.
//
// The project's configured `inactive` value is printed verbatim — it may be
// a literal group name or an HTTP(S) URL — and is never itself resolved, so
// that `show` never triggers a surprise network call for a field it is only
// echoing (spec.md §9, "Open question — show output"). Group active/inactive
// marking only runs when the value is already a literal group name
// (resolver.IsLiteral); a URL or an `info` endpoint is left unfetched, so no
// group is marked inactive in that case.
func (e *Engine) Show(ctx context.Context, w io.Writer, p *model.Project) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "project\t%s\n", p.Name)
	fmt.Fprintf(tw, "inactive\t%s\n", p.Inactive)

	var resolvedInactive string
	var resolveErr error
	if resolver.IsLiteral(p) {
		resolvedInactive, resolveErr = e.Resolver.Resolve(p)
	}

	groupNames := make([]string, 0, len(p.Groups))
	for group := range p.Groups {
		groupNames = append(groupNames, group)
	}
	sort.Strings(groupNames)

	for _, group := range groupNames {
		state := "active"
		if resolveErr == nil && group == resolvedInactive {
			state = "inactive"
		}
		fmt.Fprintf(tw, "group\t%s\t%s\n", group, state)

		for _, m := range p.Groups[group] {
			jail, host, err := model.ParseID(m.ID)
			if err != nil {
				fmt.Fprintf(tw, "  member\t%s\terror: %s\n", m.ID, err)
				continue
			}

			info, err := e.Inspector.Inspect(ctx, jail, host)
			if err != nil {
				fmt.Fprintf(tw, "  member\t%s\terror: %s\n", m.ID, err)
				continue
			}

			running := "stopped"
			if info.Running {
				running = "running"
			}
			fmt.Fprintf(tw, "  member\t%s\t%s\n", m.ID, running)
		}
	}

	if resolveErr != nil {
		e.Log.Debug().Err(resolveErr).Str("project", p.Name).Msg("show_resolve_failed")
	}

	return nil
}
