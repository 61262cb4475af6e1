package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseAlert() *Alert {
	a := NewAlert("PowerShell Execution", "EDR")
	a.SourceIP = "10.0.0.5"
	a.DestIP = "192.168.1.20"
	a.Hostname = "WS-1"
	a.Observables = []string{"evil.example.com", "10.0.0.5", "d41d8cd98f00b204"}
	return a
}

func TestFingerprintDeterminism(t *testing.T) {
	a := baseAlert()

	first := Fingerprint(a)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Fingerprint(a), "repeated calls must return the same hash")
	}

	require.Len(t, first, 64, "SHA-256 hex must be 64 characters")
}

func TestFingerprintIgnoresObservableOrder(t *testing.T) {
	a := baseAlert()
	b := baseAlert()
	b.ID = a.ID
	b.Observables = []string{"10.0.0.5", "d41d8cd98f00b204", "evil.example.com"}

	assert.Equal(t, Fingerprint(a), Fingerprint(b),
		"observable ordering must not affect the fingerprint")
}

func TestFingerprintHostnameSensitivity(t *testing.T) {
	a := baseAlert()
	b := baseAlert()
	b.Hostname = "WS-2"

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b),
		"changing the hostname must change the fingerprint")
}

func TestFingerprintCaseInsensitive(t *testing.T) {
	a := baseAlert()
	b := baseAlert()
	b.Title = "POWERSHELL EXECUTION"
	b.Hostname = "ws-1"
	b.Observables = []string{"EVIL.EXAMPLE.COM", "10.0.0.5", "D41D8CD98F00B204"}

	assert.Equal(t, Fingerprint(a), Fingerprint(b),
		"case differences must normalize away")
}

func TestFingerprintAbsentFieldsParticipate(t *testing.T) {
	a := baseAlert()
	a.Observables = nil

	b := baseAlert()
	b.Observables = nil
	b.DestIP = ""

	// Absence is encoded as an empty sentinel, so losing a field still
	// produces a distinct identity.
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintExcludesMutableFields(t *testing.T) {
	a := baseAlert()
	b := baseAlert()
	b.Severity = SeverityCritical
	b.Category = "execution"
	b.Description = "something else entirely"
	b.MitreTechniques = []string{"T1059.001"}

	assert.Equal(t, Fingerprint(a), Fingerprint(b),
		"severity, category, description and techniques are not identity fields")
}

func TestFingerprintIgnoresID(t *testing.T) {
	a := baseAlert()
	b := baseAlert()
	require.NotEqual(t, a.ID, b.ID, "NewAlert mints distinct ids")

	assert.Equal(t, Fingerprint(a), Fingerprint(b),
		"two records of the same logical alert must collide")
}

func TestFingerprintSeparatorCannotShiftFieldBoundaries(t *testing.T) {
	// Without escaping, title "x|y" + source "z" and title "x" + source
	// "y|z" would share the preimage "x|y|z|...".
	a := NewAlert("x|y", "z")
	b := NewAlert("x", "y|z")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b),
		"a separator inside a field must not move the field boundary")

	// The escape character itself must not open the same hole: a trailing
	// backslash could otherwise swallow the separator that follows it.
	c := NewAlert(`x\`, "y")
	d := NewAlert("x", `\y`)
	assert.NotEqual(t, Fingerprint(c), Fingerprint(d))

	// Escaping is invisible to ordinary values: it changes nothing about
	// equality for fields that contain neither separator nor escape.
	assert.Equal(t, Fingerprint(baseAlert()), Fingerprint(baseAlert()))
}
