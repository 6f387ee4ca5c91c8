package types

import "strings"

// CompassTag marks the singleton compass memory within a scope.
const CompassTag = "internal-compass"

// Compass is the internal compass: the singleton EPISODE narrative per
// scope, resynthesized at session boundaries or after enough elapsed time.
type Compass struct {
	Vibe         string   `json:"vibe,omitempty"`
	RecentTopics []string `json:"recent_topics,omitempty"`
	RecentStory  string   `json:"recent_story,omitempty"`
	OpenLoops    string   `json:"open_loops,omitempty"`
	PersonalNote string   `json:"personal_note,omitempty"`
	// Mirror is an optional self-observation.
	Mirror string `json:"mirror,omitempty"`
}

// compassSection names each rendered section in fixed order.
type compassSection string

const (
	sectionVibe         compassSection = "Vibe"
	sectionRecentTopics compassSection = "Recent topics"
	sectionRecentStory  compassSection = "Recent story"
	sectionOpenLoops    compassSection = "Open loops"
	sectionPersonalNote compassSection = "Personal note"
	sectionMirror       compassSection = "Mirror"
)

var compassOrder = []compassSection{
	sectionVibe, sectionRecentTopics, sectionRecentStory,
	sectionOpenLoops, sectionPersonalNote, sectionMirror,
}

// Render produces the compass memory content. Empty sections are omitted.
func (c Compass) Render() string {
	var b strings.Builder
	for _, section := range compassOrder {
		var body string
		switch section {
		case sectionVibe:
			body = c.Vibe
		case sectionRecentTopics:
			body = strings.Join(c.RecentTopics, ", ")
		case sectionRecentStory:
			body = c.RecentStory
		case sectionOpenLoops:
			body = c.OpenLoops
		case sectionPersonalNote:
			body = c.PersonalNote
		case sectionMirror:
			body = c.Mirror
		}
		if body == "" {
			continue
		}
		b.WriteString(string(section))
		b.WriteString(": ")
		b.WriteString(body)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// IsEmpty reports whether every section is blank.
func (c Compass) IsEmpty() bool { return c.Render() == "" }

// ParseCompass reads rendered compass content back into its sections.
// Lines that match no known section are folded into the recent story so
// nothing a model wrote is silently lost.
func ParseCompass(content string) Compass {
	var c Compass
	var extra []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, body, ok := strings.Cut(line, ": ")
		if !ok {
			extra = append(extra, line)
			continue
		}
		switch compassSection(name) {
		case sectionVibe:
			c.Vibe = body
		case sectionRecentTopics:
			for _, topic := range strings.Split(body, ",") {
				if topic = strings.TrimSpace(topic); topic != "" {
					c.RecentTopics = append(c.RecentTopics, topic)
				}
			}
		case sectionRecentStory:
			c.RecentStory = body
		case sectionOpenLoops:
			c.OpenLoops = body
		case sectionPersonalNote:
			c.PersonalNote = body
		case sectionMirror:
			c.Mirror = body
		default:
			extra = append(extra, line)
		}
	}
	if len(extra) > 0 && c.RecentStory == "" {
		c.RecentStory = strings.Join(extra, " ")
	}
	return c
}
