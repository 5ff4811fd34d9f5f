package store

// Stores is the top-level container for the storage backends the gateway
// process wires up at startup.
type Stores struct {
	Sessions SessionStore
	Media    MediaStore
	AuthPool AuthProfileStore
	Pairing  PairingStore
}
