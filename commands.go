package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"bookstr/internal/feed"
	"bookstr/internal/nips"
	"bookstr/internal/notify"
	"bookstr/internal/reaction"
	"bookstr/internal/types"
)

// maxEnrichIDs caps how many ids go into one follow-up filter
const maxEnrichIDs = 500

// Timeline flag variables.
var (
	feedAuthors []string
	feedKinds   []int
	feedLimit   int
	feedSince   time.Duration
)

// Notification flag variables.
var (
	notifLimit    int
	notifMarkRead bool
)

func addFeedFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&feedAuthors, "author", "a", nil,
		"Only show activity by this pubkey (hex or npub). Repeatable.")
	cmd.Flags().IntSliceVarP(&feedKinds, "kind", "k",
		[]int{types.KindPost, types.KindReview, types.KindReadingStatus},
		"Event kinds to include.")
	cmd.Flags().IntVarP(&feedLimit, "limit", "n", 50,
		"Maximum number of activities.")
	cmd.Flags().DurationVar(&feedSince, "since", 0,
		"Only include activity newer than this (e.g. 24h).")
}

func init() {
	addFeedFlags(timelineCmd)
	addFeedFlags(watchCmd)

	notificationsCmd.Flags().IntVarP(&notifLimit, "limit", "n", 100,
		"Maximum number of notification events to fetch.")
	notificationsCmd.Flags().BoolVar(&notifMarkRead, "mark-read", false,
		"Mark everything as read after listing.")
}

// feedFilter builds the timeline filter from the feed flags
func feedFilter() (types.Filter, error) {
	authors, err := parsePubkeys(feedAuthors)
	if err != nil {
		return types.Filter{}, err
	}
	f := types.Filter{
		Authors: authors,
		Kinds:   append([]int(nil), feedKinds...),
		Limit:   feedLimit,
	}
	if feedSince > 0 {
		since := time.Now().Add(-feedSince).Unix()
		f.Since = &since
	}
	return f, nil
}

// Fetches the merged timeline once, waiting for every relay's stored events
// (or the EOSE timeout), and prints it newest first.
var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Fetch and print the merged activity timeline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter, err := feedFilter()
		if err != nil {
			return err
		}
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		events, err := a.manager.Query(ctx, filter)
		if err != nil {
			return err
		}
		a.enrich(ctx, events)

		tl := a.timeline.Load()
		out := newPrinter(cmd.OutOrStdout())
		for _, evt := range events {
			if act, ok := tl.Activity(evt.ID); ok {
				out.activity(act)
			}
		}
		return out.flush()
	},
}

// Streams activities as they arrive until interrupted.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream new activity as relays deliver it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter, err := feedFilter()
		if err != nil {
			return err
		}
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		sub, err := a.manager.Subscribe(ctx, filter)
		if err != nil {
			return err
		}
		defer a.manager.Cancel(sub)

		tl := a.timeline.Load()
		out := newPrinter(cmd.OutOrStdout())
		initial := sub.InitialLoad()
		for {
			select {
			case <-initial:
				initial = nil
				slog.Info("initial load complete", "events", len(sub.Collected()), "pending", sub.Pending())
			case evt, ok := <-sub.Events():
				if !ok {
					return out.flush()
				}
				if act, found := tl.Activity(evt.ID); found {
					out.activity(act)
					out.flush()
				}
			case <-ctx.Done():
				return out.flush()
			}
		}
	},
}

// Toggles the signer's like on one event with an optimistic update.
var reactCmd = &cobra.Command{
	Use:   "react <event-id|note1...>",
	Short: "Like or unlike an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := nips.NormalizeHex("note", args[0])
		if err != nil {
			return fmt.Errorf("invalid event id: %w", err)
		}
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.requireSigner(); err != nil {
			return err
		}

		found, err := a.manager.Query(ctx, types.Filter{IDs: []string{id}, Limit: 1})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("event %s not found on any relay", id)
		}
		a.enrich(ctx, found)

		outcome, err := a.toggleReaction(ctx, found[0])
		out := newPrinter(cmd.OutOrStdout())
		out.outcome(outcome, err)
		out.flush()
		return err
	},
}

// Lists unread notifications for the current actor.
var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List unread mentions, replies, reactions and reviews",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if a.actor == "" {
			return errors.New("notifications need an actor: set --pubkey, --secret or --bunker")
		}

		cursor := notify.NewCursor(a.actor, a.notifyStore())
		if _, err := cursor.Load(ctx); err != nil {
			slog.Warn("could not load last viewed", "error", err)
		}
		events, err := a.manager.Query(ctx, cursor.Filter(notifLimit))
		if err != nil {
			return err
		}
		a.enrich(ctx, events)

		out := newPrinter(cmd.OutOrStdout())
		unread := cursor.Unread(events)
		for _, n := range unread {
			out.notification(n, a.timeline.Load())
		}
		out.summary("unread", len(unread))

		if notifMarkRead {
			notifMarkReadTotal.Add(1)
			ts, err := cursor.MarkAsRead(ctx)
			if err != nil {
				notifMarkReadFailed.Add(1)
				out.flush()
				return err
			}
			out.summary("last_viewed_at", int(ts))
		}
		return out.flush()
	},
}

// toggleReaction loads the actor's current reactions on target and toggles
func (a *app) toggleReaction(ctx context.Context, target types.Event) (reaction.Outcome, error) {
	tl := a.timeline.Load()
	coord := reaction.NewCoordinator(a.signer, a.manager, tl)
	return coord.Toggle(ctx, reaction.TargetRef{ID: target.ID, PubKey: target.PubKey, Kind: target.Kind})
}

// enrich fetches the profiles of the authors in events and the reactions
// (and their deletions) that target them. Results reach the timeline
// through the manager's OnEvent hook.
func (a *app) enrich(ctx context.Context, events []types.Event) {
	if len(events) == 0 {
		return
	}
	authors := make(map[string]bool)
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		authors[evt.PubKey] = true
		ids = append(ids, evt.ID)
	}
	if len(ids) > maxEnrichIDs {
		ids = ids[:maxEnrichIDs]
	}
	authorList := make([]string, 0, len(authors))
	for pk := range authors {
		authorList = append(authorList, pk)
	}

	if _, err := a.manager.Query(ctx, types.Filter{Kinds: []int{types.KindProfile}, Authors: authorList}); err != nil {
		slog.Debug("profile fetch failed", "error", err)
	}

	reactions, err := a.manager.Query(ctx, types.Filter{
		Kinds: []int{types.KindReaction},
		Tags:  map[string][]string{"e": ids},
	})
	if err != nil {
		slog.Debug("reaction fetch failed", "error", err)
		return
	}
	if len(reactions) == 0 {
		return
	}
	reactionIDs := make([]string, 0, len(reactions))
	for _, r := range reactions {
		reactionIDs = append(reactionIDs, r.ID)
	}
	if len(reactionIDs) > maxEnrichIDs {
		reactionIDs = reactionIDs[:maxEnrichIDs]
	}
	if _, err := a.manager.Query(ctx, types.Filter{
		Kinds: []int{types.KindDeletion},
		Tags:  map[string][]string{"e": reactionIDs},
	}); err != nil {
		slog.Debug("deletion fetch failed", "error", err)
	}
}

// activityFor returns the timeline entry for evt, if the timeline has one
func activityFor(tl *feed.Timeline, evt types.Event) (feed.Activity, bool) {
	if tl == nil {
		return feed.Activity{}, false
	}
	return tl.Activity(evt.ID)
}
