package radius

// AttrType is the one-byte attribute type field of a TLV.
type AttrType uint8

// A minimal static dictionary covering the attributes exercised by the
// end-to-end scenarios in spec §8. Spec §1 scopes the full RFC 2865/2866
// dictionary out of this core; this is the minimum needed to make the
// codec real instead of stubbed.
const (
	AttrUserName      AttrType = 1
	AttrUserPassword  AttrType = 2
	AttrNASIPAddress  AttrType = 4
	AttrReplyMessage  AttrType = 18
	AttrStateAttr     AttrType = 24
	AttrAcctStatusTyp AttrType = 40
)

var attrNames = map[AttrType]string{
	AttrUserName:      "User-Name",
	AttrUserPassword:  "User-Password",
	AttrNASIPAddress:  "NAS-IP-Address",
	AttrReplyMessage:  "Reply-Message",
	AttrStateAttr:     "State",
	AttrAcctStatusTyp: "Acct-Status-Type",
}

// Name returns the dictionary name for typ, or "Attr-Unknown" for
// attributes outside the static dictionary.
func (t AttrType) Name() string {
	if n, ok := attrNames[t]; ok {
		return n
	}
	return "Attr-Unknown"
}

// Attribute is a decoded type(1) | length(1) | value(length-2) TLV.
type Attribute struct {
	Type  AttrType
	Value []byte
}

// DecodeAttributes walks the TLV list in body, per spec §6.
func DecodeAttributes(body []byte) ([]Attribute, error) {
	var attrs []Attribute
	for len(body) > 0 {
		if len(body) < 2 {
			return nil, ErrBadTLV
		}
		l := int(body[1])
		if l < 2 || l > len(body) {
			return nil, ErrBadTLV
		}
		attrs = append(attrs, Attribute{Type: AttrType(body[0]), Value: append([]byte(nil), body[2:l]...)})
		body = body[l:]
	}
	return attrs, nil
}

// EncodeAttributes serializes attrs back into TLV form.
func EncodeAttributes(attrs []Attribute) []byte {
	size := 0
	for _, a := range attrs {
		size += 2 + len(a.Value)
	}
	out := make([]byte, 0, size)
	for _, a := range attrs {
		out = append(out, byte(a.Type), byte(2+len(a.Value)))
		out = append(out, a.Value...)
	}
	return out
}

// NewAttribute is a small convenience constructor used by policy modules
// composing a reply's attribute list (spec §4.4's "update" node).
func NewAttribute(t AttrType, value []byte) Attribute {
	return Attribute{Type: t, Value: value}
}

// StringAttr returns the attribute's value interpreted as text, per the
// common RADIUS string-valued attribute convention.
func (a Attribute) StringAttr() string {
	return string(a.Value)
}
