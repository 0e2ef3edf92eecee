package cliexec

import "strings"

const fenceMarker = "```"

// fenceSplitter turns a text stream into Delta and CodeFence events.
//
// Text is emitted as soon as it arrives, except at the start of a line where
// the content so far could still become a fence marker; that prefix is held
// until the line completes or stops looking like a fence.
type fenceSplitter struct {
	inFence bool
	midLine bool
	pending strings.Builder
}

func (f *fenceSplitter) write(text string) []Event {
	var events []Event
	for len(text) > 0 {
		piece := text
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			piece = text[:i+1]
		}
		text = text[len(piece):]
		events = append(events, f.piece(piece)...)
	}
	return events
}

func (f *fenceSplitter) piece(piece string) []Event {
	complete := strings.HasSuffix(piece, "\n")

	if f.midLine {
		if complete {
			f.midLine = false
		}
		return f.delta(piece)
	}

	f.pending.WriteString(piece)
	candidate := f.pending.String()
	head := strings.TrimLeft(candidate, " \t")

	if complete {
		f.pending.Reset()
		if strings.HasPrefix(head, fenceMarker) {
			return []Event{f.fence(candidate, head)}
		}
		return f.delta(candidate)
	}

	if couldBeFence(head) {
		return nil
	}
	f.pending.Reset()
	f.midLine = true
	return f.delta(candidate)
}

func (f *fenceSplitter) flush() []Event {
	if f.pending.Len() == 0 {
		return nil
	}
	candidate := f.pending.String()
	f.pending.Reset()
	head := strings.TrimLeft(candidate, " \t")
	if strings.HasPrefix(head, fenceMarker) {
		return []Event{f.fence(candidate, head)}
	}
	return f.delta(candidate)
}

func (f *fenceSplitter) fence(line, head string) Event {
	ev := Event{Kind: EventCodeFence, Text: line, Open: !f.inFence}
	if ev.Open {
		ev.Lang = strings.TrimSpace(strings.TrimLeft(head, "`"))
	}
	f.inFence = !f.inFence
	return ev
}

func (f *fenceSplitter) delta(text string) []Event {
	if text == "" {
		return nil
	}
	return []Event{{Kind: EventDelta, Text: text, InCode: f.inFence}}
}

// couldBeFence reports whether an incomplete line may still turn out to be a
// fence marker line.
func couldBeFence(head string) bool {
	if head == "" {
		return true
	}
	if strings.HasPrefix(head, fenceMarker) {
		return true
	}
	return strings.HasPrefix(fenceMarker, head)
}
