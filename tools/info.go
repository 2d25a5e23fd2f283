package tools

// ParamInfo is the JSON description of a parameter, served to clients so they can build forms.
type ParamInfo struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Help     string    `json:"help,omitempty"`
	Default  any       `json:"default,omitempty"`
	Required bool      `json:"required,omitempty"`
	Min      *int      `json:"min,omitempty"`
	Max      *int      `json:"max,omitempty"`
}

type Info struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	RequiresPTY bool        `json:"requires_pty"`
	Params      []ParamInfo `json:"params"`
}

// Describe returns the registry contents in name order.
func (r *Registry) Describe() []Info {
	infos := make([]Info, 0, len(r.names))
	for _, name := range r.names {
		s := r.specs[name]
		info := Info{
			Name:        s.Name,
			Description: s.Description,
			RequiresPTY: s.RequiresPTY,
			Params:      []ParamInfo{},
		}
		for _, p := range s.Params {
			info.Params = append(info.Params, ParamInfo{
				Name:     p.Name,
				Type:     p.Type,
				Help:     p.Help,
				Default:  p.Default,
				Required: p.Required,
				Min:      p.Min,
				Max:      p.Max,
			})
		}
		infos = append(infos, info)
	}
	return infos
}
