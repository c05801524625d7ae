package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadKeysPrefersArgs(t *testing.T) {
	require := require.New(t)

	keys, err := readKeys([]string{"lodash|4.17.15"}, strings.NewReader("django|3.2.4\n"))
	require.NoError(err)
	require.Equal([]string{"lodash|4.17.15"}, keys)
}

func TestReadKeysFromStdin(t *testing.T) {
	require := require.New(t)

	keys, err := readKeys(nil, strings.NewReader("lodash|4.17.15\n\n  django|3.2.4  \n"))
	require.NoError(err)
	require.Equal([]string{"lodash|4.17.15", "django|3.2.4"}, keys)
}
