package core

import "fmt"

// Identity identifies who runs a script. Stores that keep history (the git
// store) record it as the author of every change.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (identity Identity) String() string {
	return fmt.Sprintf("%s <%s>", identity.Name, identity.Email)
}
