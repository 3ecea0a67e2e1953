package processor

import (
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/richinex/mtcollect/mtconnect"
)

// Category is the kind of container an observation was reported in.
type Category string

const (
	CategorySample    Category = "SAMPLE"
	CategoryEvent     Category = "EVENT"
	CategoryCondition Category = "CONDITION"
)

var containerCategories = map[string]Category{
	"Samples":   CategorySample,
	"Events":    CategoryEvent,
	"Condition": CategoryCondition,
}

// Observation is one data item value reported in a streams document.
type Observation struct {
	DeviceName  string
	DeviceUUID  string
	ComponentID string
	Component   string
	DataItemID  string
	Name        string
	Category    Category
	Type        string // condition type, empty for samples and events
	Sequence    uint64
	Timestamp   time.Time
	Value       string
}

// Numeric returns the value as a float when it parses as one.
func (o Observation) Numeric() (float64, bool) {
	f, err := strconv.ParseFloat(o.Value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Observations extracts every data item value from doc in document order.
// Documents without streams (probe or error documents) yield nil.
func Observations(doc *mtconnect.Document) []Observation {
	var out []Observation
	for _, ds := range doc.Root().FindElements(".//DeviceStream") {
		device := ds.SelectAttrValue("name", "")
		uuid := ds.SelectAttrValue("uuid", "")
		for _, cs := range ds.SelectElements("ComponentStream") {
			compID := cs.SelectAttrValue("componentId", "")
			comp := cs.SelectAttrValue("component", "")
			for _, container := range cs.ChildElements() {
				category, ok := containerCategories[container.Tag]
				if !ok {
					continue
				}
				for _, item := range container.ChildElements() {
					o := observationFrom(item, category)
					o.DeviceName = device
					o.DeviceUUID = uuid
					o.ComponentID = compID
					o.Component = comp
					out = append(out, o)
				}
			}
		}
	}
	return out
}

func observationFrom(item *etree.Element, category Category) Observation {
	o := Observation{
		DataItemID: item.SelectAttrValue("dataItemId", ""),
		Name:       item.SelectAttrValue("name", ""),
		Category:   category,
		Value:      strings.TrimSpace(item.Text()),
	}
	if seq, err := strconv.ParseUint(item.SelectAttrValue("sequence", ""), 10, 64); err == nil {
		o.Sequence = seq
	}
	if ts, err := time.Parse(time.RFC3339Nano, item.SelectAttrValue("timestamp", "")); err == nil {
		o.Timestamp = ts
	}
	if category == CategoryCondition {
		// Condition state is carried by the element name (Normal, Warning, Fault, Unavailable).
		o.Type = item.SelectAttrValue("type", "")
		if o.Value == "" {
			o.Value = item.Tag
		} else {
			o.Value = item.Tag + ": " + o.Value
		}
	}
	return o
}
