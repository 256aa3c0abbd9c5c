// Package external declares the out-of-band key distribution collaborators.
// Their algorithms (steganographic encoding, face matching, mail delivery)
// live outside this service; the core consumes them through these interfaces
// and treats a nil collaborator as a disabled feature.
package external

import "context"

// TextStego hides a secret key inside generated cover text and recovers it.
type TextStego interface {
	// Generate produces invitation text with the secret key embedded,
	// steered by an optional prompt and a generation model id.
	Generate(ctx context.Context, prompt, model, secretKey string) (string, error)
	// Extract recovers the secret key hidden in invitation text.
	Extract(ctx context.Context, text string) (string, error)
	// Models lists available generation models as id -> display name.
	Models() map[string]string
}

// ImageStego embeds a secret key in an image carrier and recovers it.
type ImageStego interface {
	Embed(ctx context.Context, image []byte, secretKey string) ([]byte, error)
	Extract(ctx context.Context, image []byte) (string, error)
}

// FaceMatcher maintains per-room authorized face sets and matches a probe
// image against them.
type FaceMatcher interface {
	// Enroll registers face samples for a room and returns how many faces
	// were detected and stored.
	Enroll(ctx context.Context, roomKey string, images [][]byte) (int, error)
	// Match returns the room keys whose authorized sets contain the face in
	// the probe image.
	Match(ctx context.Context, image []byte) ([]string, error)
}

// MailCredentials are supplied per request by the room creator; they are
// never persisted.
type MailCredentials struct {
	Email    string
	Password string
}

// Mailer delivers an invitation message carrying a secure link.
type Mailer interface {
	SendInvitation(ctx context.Context, creds MailCredentials, recipient, secureLink string) error
}

// Collaborators bundles all optional integrations handed to the server.
type Collaborators struct {
	TextStego   TextStego
	ImageStego  ImageStego
	FaceMatcher FaceMatcher
	Mailer      Mailer
}
