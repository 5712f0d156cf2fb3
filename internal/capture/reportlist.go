package capture

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"testscope/internal/event"
)

// ErrUnknownSortField is returned for a sort field that is not numeric.
var ErrUnknownSortField = errors.New("capture: unknown sort field")

// SortFields lists the numeric record fields a request report can sort by.
var SortFields = []string{"duration", "start_time", "end_time", "status"}

// FilterReport drops issued entries, renames requestfinished/requestfailed
// to finished/failed, and sorts ascending by sortField when it is set.
func FilterReport(records []Record, sortField string) ([]Record, error) {
	key, err := sortKey(sortField)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.RequestType == event.Issued.String() {
			continue
		}
		r.RequestType = strings.TrimPrefix(r.RequestType, event.Issued.String())
		out = append(out, r)
	}
	if key != nil {
		sort.SliceStable(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	}
	return out, nil
}

func sortKey(field string) (func(Record) int64, error) {
	switch field {
	case "":
		return nil, nil
	case "duration":
		return func(r Record) int64 { return r.Duration }, nil
	case "start_time":
		return func(r Record) int64 { return r.StartTime }, nil
	case "end_time":
		return func(r Record) int64 { return r.EndTime }, nil
	case "status":
		return func(r Record) int64 { return int64(r.Status.Code) }, nil
	default:
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownSortField, field, strings.Join(SortFields, ", "))
	}
}
