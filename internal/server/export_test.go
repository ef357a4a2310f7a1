package server

// SetPartnerKeyGenerator replaces the raw key source used by key creation.
func (h *Handlers) SetPartnerKeyGenerator(f func() (rawKey, prefix string, err error)) {
	h.newPartnerKey = f
}
