package typedstream

import "time"

// interpretObject converts the captured contents of the well-known
// Foundation and AppKit classes into first-class nodes. Unknown
// classes keep their raw groups so adapters can walk them positionally.
func interpretObject(cls *Class, groups []Group) Node {
	switch {
	case cls.isKindOf("NSString"):
		if s, ok := firstString(groups); ok {
			return &Scalar{Value: s}
		}
	case cls.isKindOf("NSData"):
		if b, ok := firstBytes(groups); ok {
			return &Scalar{Value: b}
		}
	case cls.isKindOf("NSDate"):
		if secs, ok := firstFloat(groups); ok {
			return &Scalar{Value: appleEpoch.Add(time.Duration(secs * float64(time.Second))).UTC()}
		}
	case cls.isKindOf("NSDictionary"):
		return interpretDict(groups)
	case cls.isKindOf("NSArray"):
		return interpretArray(groups)
	case cls.isKindOf("NSFont"):
		return interpretFont(groups)
	case cls.isKindOf("NSColor"):
		if c := interpretColor(groups); c != nil {
			return c
		}
	}
	return &Object{Class: cls, Contents: groups}
}

// interpretDict reads the NSDictionary coding: a count followed by
// alternating key and value objects.
func interpretDict(groups []Group) Node {
	values := flatten(groups)
	if len(values) == 0 {
		return &Dict{}
	}
	var dict Dict
	for i := 1; i+1 < len(values); i += 2 {
		dict.Keys = append(dict.Keys, values[i])
		dict.Values = append(dict.Values, values[i+1])
	}
	return &dict
}

// interpretArray reads the NSArray coding: a count followed by the
// elements.
func interpretArray(groups []Group) Node {
	values := flatten(groups)
	if len(values) == 0 {
		return &Array{}
	}
	return &Array{Elems: values[1:]}
}

// interpretFont extracts the font name and point size; the trailing
// flag fields are ignored.
func interpretFont(groups []Group) Node {
	font := &Font{}
	if s, ok := firstString(groups); ok {
		font.Name = s
	}
	if f, ok := firstFloat(groups); ok {
		font.Size = f
	}
	return font
}

// interpretColor decodes the calibrated/device RGB and white color
// variants; anything fancier falls back to a generic object.
func interpretColor(groups []Group) Node {
	var nums []float64
	for _, n := range flatten(groups) {
		if f, ok := asFloat(n); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	kind, channels := nums[0], nums[1:]
	switch {
	case (kind == 1 || kind == 2) && len(channels) >= 4: // RGB color spaces
		return &Color{R: channels[0], G: channels[1], B: channels[2], A: channels[3]}
	case (kind == 3 || kind == 4) && len(channels) >= 2: // white color spaces
		return &Color{R: channels[0], G: channels[0], B: channels[0], A: channels[1]}
	}
	return nil
}

func flatten(groups []Group) []Node {
	var out []Node
	for _, g := range groups {
		out = append(out, g.Values...)
	}
	return out
}

func firstString(groups []Group) (string, bool) {
	for _, n := range flatten(groups) {
		if s, ok := asString(n); ok {
			return s, true
		}
	}
	return "", false
}

func firstBytes(groups []Group) ([]byte, bool) {
	for _, n := range flatten(groups) {
		if s, ok := n.(*Scalar); ok {
			if b, ok := s.Value.([]byte); ok {
				return b, true
			}
		}
	}
	return nil, false
}

func firstFloat(groups []Group) (float64, bool) {
	for _, n := range flatten(groups) {
		if s, ok := n.(*Scalar); ok {
			switch v := s.Value.(type) {
			case float64:
				return v, true
			case int64:
				return float64(v), true
			}
		}
	}
	return 0, false
}
