package models

import "time"

// SecretSnapshot is an immutable copy of a secret's fields. Value is opaque
// ciphertext and is never interpreted by the approval service.
type SecretSnapshot struct {
	Key         string `json:"key" yaml:"key"`
	Value       []byte `json:"value,omitempty" yaml:"value,omitempty"`
	Comment     string `json:"comment,omitempty" yaml:"comment,omitempty"`
	Environment string `json:"environment" yaml:"environment"`
	Workspace   string `json:"workspace" yaml:"workspace"`
	Version     int64  `json:"version" yaml:"version"`
}

// Clone returns a copy that shares no memory with s.
func (s SecretSnapshot) Clone() SecretSnapshot {
	out := s
	if s.Value != nil {
		out.Value = append([]byte(nil), s.Value...)
	}
	return out
}

// Secret is a live record in the authoritative secret store.
type Secret struct {
	ID          string    `json:"id"`
	Workspace   string    `json:"workspace"`
	Environment string    `json:"environment"`
	Key         string    `json:"key"`
	Value       []byte    `json:"value"`
	Comment     string    `json:"comment,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot captures the secret's current fields.
func (s *Secret) Snapshot() SecretSnapshot {
	return SecretSnapshot{
		Key:         s.Key,
		Value:       append([]byte(nil), s.Value...),
		Comment:     s.Comment,
		Environment: s.Environment,
		Workspace:   s.Workspace,
		Version:     s.Version,
	}
}

// Clone returns a deep copy of the record.
func (s *Secret) Clone() *Secret {
	out := *s
	out.Value = append([]byte(nil), s.Value...)
	return &out
}
