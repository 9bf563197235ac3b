package reports

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pavit-health/backend/internal/storage/models"
)

const topVitamins = 10

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

type Count struct {
	Key   string
	Count int
}

// OrderedCounts encodes as a JSON object whose keys keep slice order.
type OrderedCounts []Count

func (o OrderedCounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		fmt.Fprintf(&buf, "%d", c.Count)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *OrderedCounts) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("ordered counts: expected object, got %v", tok)
	}

	out := OrderedCounts{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("ordered counts: expected key, got %v", tok)
		}
		var n int
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("ordered counts: value for %q: %w", key, err)
		}
		out = append(out, Count{Key: key, Count: n})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*o = out
	return nil
}

// Get returns the count for key, or 0.
func (o OrderedCounts) Get(key string) int {
	for _, c := range o {
		if c.Key == key {
			return c.Count
		}
	}
	return 0
}

type Summary struct {
	Vitamins OrderedCounts  `json:"vitamins"`
	Diseases map[string]int `json:"diseases"`
	Monthly  OrderedCounts  `json:"monthly"`
}

// Summarize folds report rows, oldest first, into analytics. Each
// recommendation counts once towards its vitamin. Rows whose timestamp
// cannot be parsed are left out of the monthly counts only.
func Summarize(rows []models.ReportSummaryRow) Summary {
	vitamins := newCounter()
	monthly := newCounter()
	diseases := make(map[string]int)

	for _, row := range rows {
		diseases[row.DetectedDisease]++

		for _, rec := range row.Recommendations {
			if rec.Vitamin != "" {
				vitamins.add(rec.Vitamin)
			}
		}

		if month, ok := monthKey(row.CreatedAt); ok {
			monthly.add(month)
		}
	}

	vit := vitamins.ordered()
	sort.SliceStable(vit, func(i, j int) bool { return vit[i].Count > vit[j].Count })
	if len(vit) > topVitamins {
		vit = vit[:topVitamins]
	}

	mon := monthly.ordered()
	sort.Slice(mon, func(i, j int) bool { return mon[i].Key < mon[j].Key })

	return Summary{Vitamins: vit, Diseases: diseases, Monthly: mon}
}

func monthKey(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01"), true
		}
	}
	return "", false
}

// counter keeps first-seen order so ties stay stable.
type counter struct {
	index  map[string]int
	counts OrderedCounts
}

func newCounter() *counter {
	return &counter{index: make(map[string]int)}
}

func (c *counter) add(key string) {
	if i, ok := c.index[key]; ok {
		c.counts[i].Count++
		return
	}
	c.index[key] = len(c.counts)
	c.counts = append(c.counts, Count{Key: key, Count: 1})
}

func (c *counter) ordered() OrderedCounts {
	out := make(OrderedCounts, len(c.counts))
	copy(out, c.counts)
	return out
}
