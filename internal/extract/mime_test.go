package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestFromMIME_PrefersPlainPart(t *testing.T) {
	raw := crlf(`From: Ana <ana@x.com>
To: me@firm.com
Subject: Docs
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/html; charset="utf-8"

<p>HTML version</p>
--b1
Content-Type: text/plain; charset="utf-8"
Content-Transfer-Encoding: quoted-printable

Please upload the W-2 by =
Friday.
--b1--
`)
	assert.Equal(t, "Please upload the W-2 by Friday.", New().FromMIME(raw))
}

func TestFromMIME_HTMLOnlyBase64(t *testing.T) {
	// "<p>Call me back</p>" base64, wrapped.
	raw := crlf(`From: Ana <ana@x.com>
Subject: Hi
Content-Type: text/html; charset=utf-8
Content-Transfer-Encoding: base64

PHA+Q2FsbCBtZSBi
YWNrPC9wPg==
`)
	assert.Equal(t, "Call me back", New().FromMIME(raw))
}

func TestFromMIME_NestedMixed(t *testing.T) {
	raw := crlf(`Subject: Nested
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain

Signed copy attached.
--inner--
--outer
Content-Type: application/pdf
Content-Transfer-Encoding: base64

JVBERi0=
--outer--
`)
	assert.Equal(t, "Signed copy attached.", New().FromMIME(raw))
}

func TestFromMIME_Garbage(t *testing.T) {
	assert.Empty(t, New().FromMIME([]byte("not a message")))
}
