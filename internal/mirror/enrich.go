package mirror

import (
	"fmt"
	"strings"

	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// nameSuffixes are trailing words stripped from friendly names to form the
// short alias people actually say ("kitchen lights" is asked for as
// "kitchen").
var nameSuffixes = []string{"lights", "light", "switch", "lock"}

// abbreviations maps colloquial short forms to the word they expand to.
// Applied in both directions when deriving aliases.
var abbreviations = map[string]string{
	"liv":  "living",
	"lr":   "living room",
	"br":   "bedroom",
	"temp": "temperature",
	"ac":   "air conditioning",
	"tv":   "television",
}

// enrichLocked builds the mirrored Entity for one hub state, deriving
// keywords and aliases and folding in any learned aliases. Caller holds m.mu.
func (m *Mirror) enrichLocked(st homeauto.EntityState) Entity {
	name := st.FriendlyName()
	area, _ := st.Attributes["area"].(string)
	deviceClass, _ := st.Attributes["device_class"].(string)

	e := Entity{
		ID:           st.EntityID,
		Domain:       st.Domain(),
		State:        st.State,
		Attributes:   st.Attributes,
		FriendlyName: name,
		DeviceClass:  deviceClass,
		Area:         area,
		Keywords:     deriveKeywords(name, area, deviceClass),
		Aliases:      deriveAliases(name),
		ChangedAt:    st.LastChanged,
		UpdatedAt:    st.LastUpdated,
	}
	for _, a := range m.extraAliases[st.EntityID] {
		e.Aliases = appendUnique(e.Aliases, a)
	}
	return e
}

// deriveKeywords splits the friendly name, area, and device class into
// lowercase words for token matching.
func deriveKeywords(parts ...string) []string {
	var out []string
	for _, p := range parts {
		for _, w := range splitWords(p) {
			out = appendUnique(out, w)
		}
	}
	return out
}

// deriveAliases produces the spoken short forms of a friendly name: the name
// itself, the name with a device-type suffix stripped, and abbreviation
// variants of each.
func deriveAliases(name string) []string {
	base := strings.ToLower(strings.TrimSpace(name))
	if base == "" {
		return nil
	}
	out := []string{base}
	for _, suffix := range nameSuffixes {
		if stripped, ok := strings.CutSuffix(base, " "+suffix); ok {
			out = appendUnique(out, stripped)
			break
		}
	}
	for _, alias := range out {
		for short, long := range abbreviations {
			if strings.Contains(alias, long) {
				out = appendUnique(out, strings.ReplaceAll(alias, long, short))
			} else if containsWord(alias, short) {
				out = appendUnique(out, strings.ReplaceAll(alias, short, long))
			}
		}
	}
	return out
}

// splitWords lowercases and splits on whitespace and underscores.
func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '_'
	})
}

// containsWord reports whether w appears as a whole word in s, so "br" in
// "br closet" expands but "br" inside "bright" does not.
func containsWord(s, w string) bool {
	for _, f := range strings.Fields(s) {
		if f == w {
			return true
		}
	}
	return false
}

// describe renders the spoken-form state summary used for prompt injection.
func describe(e Entity) string {
	if !e.IsAvailable() {
		return fmt.Sprintf("%s is unavailable", e.FriendlyName)
	}
	switch e.Domain {
	case "light":
		if e.State == "on" {
			if b, ok := numAttr(e, "brightness"); ok {
				return fmt.Sprintf("%s is on at %d%% brightness", e.FriendlyName, int(b*100/255))
			}
			return fmt.Sprintf("%s is on", e.FriendlyName)
		}
		return fmt.Sprintf("%s is off", e.FriendlyName)
	case "climate":
		cur, hasCur := numAttr(e, "current_temperature")
		tgt, hasTgt := numAttr(e, "temperature")
		switch {
		case hasCur && hasTgt:
			return fmt.Sprintf("%s is %s, currently %.1f degrees, set to %.1f", e.FriendlyName, e.State, cur, tgt)
		case hasCur:
			return fmt.Sprintf("%s is %s at %.1f degrees", e.FriendlyName, e.State, cur)
		default:
			return fmt.Sprintf("%s is %s", e.FriendlyName, e.State)
		}
	case "lock":
		return fmt.Sprintf("%s is %s", e.FriendlyName, e.State)
	case "cover":
		if pos, ok := numAttr(e, "current_position"); ok {
			return fmt.Sprintf("%s is %s at %d%%", e.FriendlyName, e.State, int(pos))
		}
		return fmt.Sprintf("%s is %s", e.FriendlyName, e.State)
	case "media_player":
		if e.State == "playing" {
			if title, ok := e.Attributes["media_title"].(string); ok && title != "" {
				return fmt.Sprintf("%s is playing %s", e.FriendlyName, title)
			}
		}
		return fmt.Sprintf("%s is %s", e.FriendlyName, e.State)
	case "sensor":
		if unit, ok := e.Attributes["unit_of_measurement"].(string); ok && unit != "" {
			return fmt.Sprintf("%s reads %s %s", e.FriendlyName, e.State, unit)
		}
		return fmt.Sprintf("%s reads %s", e.FriendlyName, e.State)
	default:
		return fmt.Sprintf("%s is %s", e.FriendlyName, e.State)
	}
}

// numAttr reads a numeric attribute, tolerating the float64 the JSON decoder
// produces and the int a test might set directly.
func numAttr(e Entity, key string) (float64, bool) {
	switch v := e.Attributes[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
