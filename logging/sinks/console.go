package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"

	"netsim/server/logging"
)

// ConsoleSink renders one line per event:
//
//	frame=42 warn network.saturated conn:3 targets=entity:7 deferred=2 {"budget":1200}
type ConsoleSink struct {
	logger *log.Logger
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	flags := log.LstdFlags
	if cfg.Microseconds {
		flags |= log.Lmicroseconds
	}
	return &ConsoleSink{logger: log.New(w, cfg.Prefix, flags)}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "frame=%d %s %s", event.Frame, event.Severity, event.Type)
	if actor := formatRef(event.Actor); actor != "" {
		b.WriteString(" " + actor)
	}
	if len(event.Targets) > 0 {
		refs := make([]string, 0, len(event.Targets))
		for _, target := range event.Targets {
			refs = append(refs, formatRef(target))
		}
		b.WriteString(" targets=" + strings.Join(refs, ","))
	}
	if event.SessionID != "" {
		b.WriteString(" session=" + event.SessionID)
	}
	keys := make([]string, 0, len(event.Extra))
	for k := range event.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, event.Extra[k])
	}
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			fmt.Fprintf(&b, " %v", event.Payload)
		} else {
			b.WriteString(" " + string(data))
		}
	}
	s.logger.Print(b.String())
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatRef(ref logging.EntityRef) string {
	switch {
	case ref.ID == "":
		if ref.Kind == logging.EntityKindUnknown {
			return ""
		}
		return string(ref.Kind)
	case ref.Kind == "":
		return ref.ID
	default:
		return string(ref.Kind) + ":" + ref.ID
	}
}
