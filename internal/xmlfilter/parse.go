// Package xmlfilter parses CalDAV calendar-query <filter> XML into the
// storage filter tree. Element lookup ignores namespace prefixes so
// documents from clients with differing prefix conventions parse the same.
package xmlfilter

import (
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/keulen/groupdav/storage"
)

const timeFormat = "20060102T150405Z"

// Parse parses a <filter> element into a filter tree. A nil or empty
// element yields a nil filter, meaning no constraint.
func Parse(filterElem *etree.Element) (*storage.Filter, error) {
	if filterElem == nil {
		return nil, nil
	}

	compFilters := childElements(filterElem, "comp-filter")
	if len(compFilters) == 0 {
		return nil, nil
	}

	// The outermost comp-filter targets VCALENDAR.
	return parseCompFilter(compFilters[0]), nil
}

// ParseDocument parses a full calendar-query document and returns the
// filter tree of its <filter> element, or nil when absent.
func ParseDocument(raw []byte) (*storage.Filter, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, nil
	}
	return Parse(firstElement(root, "filter"))
}

func parseCompFilter(elem *etree.Element) *storage.Filter {
	filter := &storage.Filter{
		Component: elem.SelectAttrValue("name", ""),
		Test:      elem.SelectAttrValue("test", "anyof"),
	}

	// is-not-defined excludes every other constraint
	if firstElement(elem, "is-not-defined") != nil {
		filter.IsNotDefined = true
		return filter
	}

	if timeRangeElem := firstElement(elem, "time-range"); timeRangeElem != nil {
		filter.TimeRange = parseTimeRange(timeRangeElem)
	}

	for _, propElem := range childElements(elem, "prop-filter") {
		filter.PropFilters = append(filter.PropFilters, parsePropFilter(propElem))
	}

	for _, nested := range childElements(elem, "comp-filter") {
		filter.Children = append(filter.Children, *parseCompFilter(nested))
	}

	return filter
}

func parsePropFilter(elem *etree.Element) storage.PropFilter {
	propFilter := storage.PropFilter{
		Name: elem.SelectAttrValue("name", ""),
		Test: elem.SelectAttrValue("test", "anyof"),
	}

	if firstElement(elem, "is-not-defined") != nil {
		propFilter.IsNotDefined = true
		return propFilter
	}

	if textMatchElem := firstElement(elem, "text-match"); textMatchElem != nil {
		propFilter.TextMatch = parseTextMatch(textMatchElem)
	}

	for _, paramElem := range childElements(elem, "param-filter") {
		propFilter.ParamFilters = append(propFilter.ParamFilters, parseParamFilter(paramElem))
	}

	return propFilter
}

func parseParamFilter(elem *etree.Element) storage.ParamFilter {
	paramFilter := storage.ParamFilter{
		Name: elem.SelectAttrValue("name", ""),
	}

	if firstElement(elem, "is-not-defined") != nil {
		paramFilter.IsNotDefined = true
		return paramFilter
	}

	if textMatchElem := firstElement(elem, "text-match"); textMatchElem != nil {
		paramFilter.TextMatch = parseTextMatch(textMatchElem)
	}

	return paramFilter
}

func parseTextMatch(elem *etree.Element) *storage.TextMatch {
	return &storage.TextMatch{
		Collation: elem.SelectAttrValue("collation", "i;unicode-casemap"),
		MatchType: elem.SelectAttrValue("match-type", "contains"),
		Negate:    elem.SelectAttrValue("negate-condition", "no") == "yes",
		Value:     elem.Text(),
	}
}

func parseTimeRange(elem *etree.Element) *storage.TimeRange {
	timeRange := &storage.TimeRange{}

	if startStr := elem.SelectAttrValue("start", ""); startStr != "" {
		if start, err := time.Parse(timeFormat, startStr); err == nil {
			timeRange.Start = &start
		}
	}
	if endStr := elem.SelectAttrValue("end", ""); endStr != "" {
		if end, err := time.Parse(timeFormat, endStr); err == nil {
			timeRange.End = &end
		}
	}

	return timeRange
}

// childElements returns all child elements with the given local name,
// ignoring any namespace prefix.
func childElements(parent *etree.Element, localName string) []*etree.Element {
	var elements []*etree.Element
	for _, child := range parent.ChildElements() {
		tagName := child.Tag
		if idx := strings.Index(tagName, ":"); idx >= 0 {
			tagName = tagName[idx+1:]
		}
		if strings.EqualFold(tagName, localName) {
			elements = append(elements, child)
		}
	}
	return elements
}

func firstElement(parent *etree.Element, localName string) *etree.Element {
	if elements := childElements(parent, localName); len(elements) > 0 {
		return elements[0]
	}
	return nil
}
