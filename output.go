package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"bookstr/internal/feed"
	"bookstr/internal/nostr"
	"bookstr/internal/reaction"
	"bookstr/internal/types"
)

const maxContentWidth = 80

// printer writes either aligned text or JSON lines, depending on --json
type printer struct {
	tw  *tabwriter.Writer
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return &printer{enc: enc}
	}
	return &printer{tw: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
}

func (p *printer) activity(a feed.Activity) {
	if p.enc != nil {
		p.enc.Encode(a)
		return
	}
	detail := a.Content
	switch {
	case a.TargetID != "":
		detail = "on " + nostr.ShortID(a.TargetID) + " " + detail
	case a.BookRef != "":
		detail = "[" + a.BookRef + "] " + detail
	}
	fmt.Fprintf(p.tw, "%s\t%s\t%s\t%s\t♥ %d%s\t%s\n",
		formatTime(a.CreatedAt), nostr.ShortID(a.ID), a.Type, authorLabel(a.Author),
		a.Reactions.Count, reactedMark(a.Reactions), clip(detail))
}

func (p *printer) notification(n types.Notification, tl *feed.Timeline) {
	if p.enc != nil {
		p.enc.Encode(n)
		return
	}
	author := feed.Author{PubKey: n.Event.PubKey}
	if act, ok := activityFor(tl, n.Event); ok {
		author = act.Author
	}
	target := ""
	if n.TargetEventID != "" {
		target = nostr.ShortID(n.TargetEventID)
	}
	fmt.Fprintf(p.tw, "%s\t%s\t%s\t%s\t%s\n",
		formatTime(n.Event.CreatedAt), n.Type, authorLabel(author), target, clip(n.Event.Content))
}

func (p *printer) outcome(o reaction.Outcome, err error) {
	if p.enc != nil {
		line := map[string]any{
			"target":  o.Intent.TargetEventID,
			"desired": o.Intent.Desired,
			"phase":   o.Intent.Phase,
			"summary": o.Summary,
		}
		if o.EventID != "" {
			line["event_id"] = o.EventID
		}
		if err != nil {
			line["error"] = err.Error()
		}
		p.enc.Encode(line)
		return
	}
	fmt.Fprintf(p.tw, "%s\t%s\t%s\t♥ %d%s\n",
		nostr.ShortID(o.Intent.TargetEventID), o.Intent.Desired, o.Intent.Phase,
		o.Summary.Count, reactedMark(o.Summary))
}

func (p *printer) summary(label string, value int) {
	if p.enc != nil {
		p.enc.Encode(map[string]int{label: value})
		return
	}
	fmt.Fprintf(p.tw, "%s:\t%d\n", label, value)
}

func (p *printer) flush() error {
	if p.tw != nil {
		return p.tw.Flush()
	}
	return nil
}

func authorLabel(a feed.Author) string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.Name != "":
		return a.Name
	}
	return nostr.ShortID(a.PubKey)
}

func reactedMark(s feed.ReactionSummary) string {
	if s.UserReacted {
		return " (you)"
	}
	return ""
}

func formatTime(ts int64) string {
	return time.Unix(ts, 0).Local().Format("2006-01-02 15:04")
}

// clip flattens content to one line and shortens it for the terminal
func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxContentWidth {
		return string(r[:maxContentWidth-1]) + "…"
	}
	return s
}
