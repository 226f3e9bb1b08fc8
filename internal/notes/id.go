package notes

import "github.com/google/uuid"

// uuidProvider issues UUIDv7 identifiers for notebooks and audit records. Version 7
// identifiers sort by creation time.
type uuidProvider struct {
	generate func() (uuid.UUID, error)
}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{generate: uuid.NewV7}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := p.generate()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
