package scan

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Row is one tabulated bar from an exploration result file.
type Row struct {
	Symbol    string
	Timestamp time.Time

	Buy   bool
	Sell  bool
	Short bool
	Cover bool

	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	Indicators map[string]float64
}

// Result files come out of the engine in the host locale, so the
// timestamp format drifts between installs. Try the known layouts in
// order of how often they show up.
var timestampLayouts = []string{
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04:05",
	"2006-01-02 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp format: %q", s)
}

// ParseResults reads the exploration output at path into rows, sorted
// as the engine emitted them (oldest first). Malformed rows are logged
// and skipped rather than failing the whole scan.
func ParseResults(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		// A finished run with no output means nothing matched.
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open result file")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read result csv")
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"Ticker", "Date/Time", "Buy", "Sell", "Short", "Cover", "Close"} {
		if _, ok := col[required]; !ok {
			return nil, errors.Errorf("result csv is missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	number := func(record []string, name string) float64 {
		v, err := strconv.ParseFloat(field(record, name), 64)
		if err != nil {
			return 0
		}
		return v
	}
	flag := func(record []string, name string) bool {
		return number(record, name) != 0
	}

	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		ts, err := parseTimestamp(field(record, "Date/Time"))
		if err != nil {
			logs.Warnf("skip result row, err: %+v", err)
			continue
		}
		row := Row{
			Symbol:    field(record, "Ticker"),
			Timestamp: ts,
			Buy:       flag(record, "Buy"),
			Sell:      flag(record, "Sell"),
			Short:     flag(record, "Short"),
			Cover:     flag(record, "Cover"),
			Open:      number(record, "Open"),
			High:      number(record, "High"),
			Low:       number(record, "Low"),
			Close:     number(record, "Close"),
			Volume:    number(record, "Volume"),
		}
		for name, i := range col {
			if !strings.HasPrefix(name, indicatorPrefix) || i >= len(record) {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				continue
			}
			if row.Indicators == nil {
				row.Indicators = make(map[string]float64)
			}
			row.Indicators[strings.TrimPrefix(name, indicatorPrefix)] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
