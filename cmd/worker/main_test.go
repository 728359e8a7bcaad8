package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPrintTokenHash(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printTokenHash(strings.NewReader("ops-token\n"), &out))

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("ops-token")))
}

func TestPrintTokenHash_Empty(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, printTokenHash(strings.NewReader("\n"), &out))
	assert.Empty(t, out.String())
}
