package extract

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// MinStructuredBody is the length below which the structured body is treated
// as suspiciously short and the raw MIME content is consulted instead.
const MinStructuredBody = 15

const maxPartDepth = 5

// FromMIME extracts a plain-text body from a raw RFC 822 message, preferring
// text/plain over HTML. Charsets other than UTF-8 are not converted.
func (e *Extractor) FromMIME(raw []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	var plain, htmlBody string
	e.walkPart(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body, 0, &plain, &htmlBody)
	if strings.TrimSpace(plain) != "" {
		return normalizeWhitespace(plain)
	}
	if htmlBody != "" {
		return e.HTMLToText(htmlBody)
	}
	return ""
}

func (e *Extractor) walkPart(contentType, encoding string, body io.Reader, depth int, plain, htmlBody *string) {
	if depth > maxPartDepth {
		return
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				return
			}
			e.walkPart(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part, depth+1, plain, htmlBody)
			if *plain != "" {
				return
			}
		}
	}

	if mediaType != "text/plain" && mediaType != "text/html" {
		return
	}
	data, err := io.ReadAll(decodeTransfer(body, encoding))
	if err != nil {
		return
	}
	switch {
	case mediaType == "text/plain" && *plain == "":
		*plain = string(data)
	case mediaType == "text/html" && *htmlBody == "":
		*htmlBody = string(data)
	}
}

// decodeTransfer handles the encodings multipart.Reader does not undo itself.
func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, newlineStripper{r})
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}

// newlineStripper removes CR/LF so wrapped base64 decodes.
type newlineStripper struct{ r io.Reader }

func (n newlineStripper) Read(p []byte) (int, error) {
	for {
		c, err := n.r.Read(p)
		out := p[:0]
		for _, b := range p[:c] {
			if b != '\r' && b != '\n' {
				out = append(out, b)
			}
		}
		if len(out) > 0 || err != nil {
			return len(out), err
		}
	}
}
