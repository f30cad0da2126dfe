package room

// Source is one named place a room locator may be found.
type Source struct {
	Name   string
	Lookup func(result, handle Payload) string
}

// DefaultSources lists the known shapes in priority order: a direct field on
// the connect result, then the transport's internal field, then its
// alternate-cased spelling.
func DefaultSources() []Source {
	return []Source{
		{Name: "connect_result", Lookup: func(result, _ Payload) string {
			if v := result.String("room_url"); v != "" {
				return v
			}
			return result.String("roomUrl")
		}},
		{Name: "transport", Lookup: func(_, handle Payload) string {
			return handle.String("_roomUrl")
		}},
		{Name: "transport_alt", Lookup: func(_, handle Payload) string {
			return handle.String("_roomURL")
		}},
	}
}

// String returns the string at key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	v, ok := p[key].(string)
	if !ok {
		return ""
	}
	return v
}
