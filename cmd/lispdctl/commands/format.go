package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatEntryList renders the "entries" field of a ListMapCache response.
func formatEntryList(msg *structpb.Struct, format string) (string, error) {
	entries := entriesOf(msg)

	switch format {
	case formatJSON:
		return marshalIndent(entries)
	case formatTable:
		return formatEntriesTable(entries), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEntry renders a single ShowMapCache response.
func formatEntry(msg *structpb.Struct, format string) (string, error) {
	fields := msg.AsMap()

	switch format {
	case formatJSON:
		return marshalIndent(fields)
	case formatTable:
		return formatEntryDetail(fields), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatStatus renders a Status response.
func formatStatus(msg *structpb.Struct, format string) (string, error) {
	fields := msg.AsMap()

	switch format {
	case formatJSON:
		return marshalIndent(fields)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Map-Cache Entries:\t%v\n", fields["map_cache_entries"])
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders one WatchMapCacheEvents streamed message.
func formatEvent(msg *structpb.Struct, format string) (string, error) {
	fields := msg.AsMap()

	switch format {
	case formatJSON:
		return marshalIndent(fields)
	case formatTable:
		return fmt.Sprintf("[%v] %v -> %v  prefix=%v",
			fields["timestamp"], fields["old_state"], fields["new_state"], fields["prefix"]), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func entriesOf(msg *structpb.Struct) []map[string]any {
	fields := msg.AsMap()
	raw, _ := fields["entries"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func formatEntriesTable(entries []map[string]any) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PREFIX\tSTATE\tINSTANCE-ID\tHOW-LEARNED\tLOCATORS4\tLOCATORS6")

	for _, e := range entries {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
			stringOr(e, "prefix"),
			stringOr(e, "state"),
			stringOr(e, "instance_id"),
			stringOr(e, "how_learned"),
			locatorCount(e, "ipv4"),
			locatorCount(e, "ipv6"),
		)
	}

	_ = w.Flush()
	return buf.String()
}

func formatEntryDetail(fields map[string]any) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Prefix:\t%v\n", stringOr(fields, "prefix"))
	fmt.Fprintf(w, "State:\t%v\n", stringOr(fields, "state"))
	fmt.Fprintf(w, "How Learned:\t%v\n", stringOr(fields, "how_learned"))
	fmt.Fprintf(w, "Instance ID:\t%v\n", stringOr(fields, "instance_id"))
	fmt.Fprintf(w, "Negative Reason:\t%v\n", stringOr(fields, "negative_reason"))
	fmt.Fprintf(w, "Last Activity:\t%v\n", stringOr(fields, "last_activity"))
	fmt.Fprintf(w, "Locators4:\t%d\n", locatorCount(fields, "ipv4"))
	fmt.Fprintf(w, "Locators6:\t%d\n", locatorCount(fields, "ipv6"))

	_ = w.Flush()
	return buf.String()
}

func stringOr(fields map[string]any, key string) any {
	if v, ok := fields[key]; ok {
		return v
	}
	return valueNA
}

// locatorCount counts the entries of the "locators" list whose "family"
// field equals family ("ipv4" or "ipv6").
func locatorCount(fields map[string]any, family string) int {
	raw, _ := fields["locators"].([]any)
	n := 0
	for _, l := range raw {
		if m, ok := l.(map[string]any); ok && m["family"] == family {
			n++
		}
	}
	return n
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
