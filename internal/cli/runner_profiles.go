package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/formbridge/api/internal/platform/textutil"
	"github.com/formbridge/api/internal/repositories/sqlite"
)

const profilesUsage = "usage: formfill profiles <list|show|delete> [name]"

func (r *Runner) runProfiles(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(r.errOut, profilesUsage)
		return 2
	}
	switch args[0] {
	case "list":
		return r.listProfiles(ctx)
	case "show":
		if len(args) < 2 {
			fmt.Fprintln(r.errOut, profilesUsage)
			return 2
		}
		return r.showProfile(ctx, args[1])
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(r.errOut, profilesUsage)
			return 2
		}
		return r.deleteProfile(ctx, args[1])
	default:
		fmt.Fprintf(r.errOut, "unknown profiles command: %s\n", args[0])
		fmt.Fprintln(r.errOut, profilesUsage)
		return 2
	}
}

func (r *Runner) listProfiles(ctx context.Context) int {
	store, err := sqlite.Open(ctx, r.dbPath)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close()

	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		return r.fail(err)
	}
	if len(profiles) == 0 {
		fmt.Fprintln(r.out, "no saved profiles")
		return 0
	}
	for _, profile := range profiles {
		fmt.Fprintf(r.out, "%s\t%s\t%d entries\t%s\n", profile.Name, profile.TargetKey, len(profile.Entries), profile.UpdatedAt.Local().Format(time.RFC3339))
	}
	return 0
}

func (r *Runner) showProfile(ctx context.Context, name string) int {
	store, err := sqlite.Open(ctx, r.dbPath)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close()

	profile, err := store.GetProfile(ctx, name)
	if errors.Is(err, sqlite.ErrProfileNotFound) {
		return r.fail(fmt.Errorf("profile %q not found", name))
	}
	if err != nil {
		return r.fail(err)
	}

	fmt.Fprintf(r.out, "%s\ttarget=%s\tupdated=%s\n", profile.Name, profile.TargetKey, profile.UpdatedAt.Local().Format(time.RFC3339))
	if profile.Options != nil {
		fmt.Fprintf(r.out, "options: skip-filled=%t stop-on-error=%t delay=%s\n", profile.Options.SkipFilled, profile.Options.StopOnError, profile.Options.RowDelay)
	}
	for _, column := range textutil.SortedKeys(profile.Entries) {
		entry := profile.Entries[column]
		if entry.Confidence != nil {
			fmt.Fprintf(r.out, "  %s\t%s\t%.2f\n", column, entry.Selector, *entry.Confidence)
		} else {
			fmt.Fprintf(r.out, "  %s\t%s\tmanual\n", column, entry.Selector)
		}
	}
	return 0
}

func (r *Runner) deleteProfile(ctx context.Context, name string) int {
	store, err := sqlite.Open(ctx, r.dbPath)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close()

	if err := store.DeleteProfile(ctx, name); err != nil {
		if errors.Is(err, sqlite.ErrProfileNotFound) {
			return r.fail(fmt.Errorf("profile %q not found", name))
		}
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "deleted profile %q\n", name)
	return 0
}
