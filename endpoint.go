package aoo

// Address is an opaque transport address: a byte string plus length. The
// core never parses it — it is handed back verbatim to the host-provided
// send function (spec §6, "Send function contract").
type Address []byte

// String renders the address for logging only; it is not a parse-back path.
func (a Address) String() string {
	return string(a)
}

// Equal reports whether two addresses are byte-identical.
func (a Address) Equal(other Address) bool {
	if len(a) != len(other) {
		return false
	}
	for i := range a {
		if a[i] != other[i] {
			return false
		}
	}
	return true
}

// Endpoint is a (transport address, id) pair identifying one Source or Sink
// on the wire (spec §3).
type Endpoint struct {
	Addr Address
	ID   int32
}

// Matches reports whether e matches a wildcard-aware target id, per spec
// §4.9 ("Wildcard id * on the address matches any receiver of the given
// role").
func (e Endpoint) Matches(id int32) bool {
	return id == IDWildcard || e.ID == id
}

func (e Endpoint) String() string {
	return e.Addr.String()
}
