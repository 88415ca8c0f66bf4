package mailbox

import "github.com/emersion/go-sasl"

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Outlook and
// Gmail to authenticate IMAP sessions with an OAuth2 bearer token instead
// of a password.
type xoauth2Client struct {
	username string
	token    string
}

func newXOAUTH2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next handles the server's error challenge: the server sends a base64
// JSON blob describing the failure and expects an empty response before
// it issues the tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
