package models

// User is the account the current session belongs to.
type User struct {
	ID    string `json:"id" yaml:"id"`
	Email string `json:"email" yaml:"email"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
}
