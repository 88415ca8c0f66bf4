package mailbox

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// parseMessage parses a raw RFC 822 message and extracts the header map
// plus the decoded inline text/plain and text/html bodies. Attachments
// are ignored; the raw message is stored verbatim anyway.
func parseMessage(raw []byte) (map[string][]string, string, string) {
	headers := make(map[string][]string)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable MIME: keep the raw bytes as the plain body.
		return headers, string(raw), ""
	}
	defer mr.Close()

	fields := mr.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			// Undecodable encoded-word; keep the raw value.
			value = fields.Value()
		}
		headers[fields.Key()] = append(headers[fields.Key()], value)
	}

	var plainParts, htmlParts []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := header.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		text := strings.TrimSpace(string(body))
		if text == "" {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			plainParts = append(plainParts, text)
		case strings.HasPrefix(contentType, "text/html"):
			htmlParts = append(htmlParts, text)
		}
	}

	return headers, strings.Join(plainParts, "\n\n"), strings.Join(htmlParts, "\n\n")
}
