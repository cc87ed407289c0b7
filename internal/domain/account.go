package domain

// Account tracked address with a human readable name.
// Name is the snapshot key.
type Account struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}
