package chat

// Identity describes an account as the relay publishes it. All fields
// except PublicKey are immutable; PublicKey changes only when the account
// rotates its keys.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	PublicKey   string `json:"publicKey"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// RoomMember is the locally cached projection of a peer identity needed
// for rendering and shared key derivation. It is written once and only
// refreshed when absent.
type RoomMember struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// UserItem is the trimmed identity used in invitation listings, where the
// public key is deliberately withheld until a room is created.
type UserItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}
