package display

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTree() (*cobra.Command, *cobra.Command) {
	root := &cobra.Command{Use: "pawnx"}
	root.PersistentFlags().Bool("json", false, "")
	child := &cobra.Command{Use: "status", Run: func(*cobra.Command, []string) {}}
	root.AddCommand(child)
	return root, child
}

func TestShouldOutputJSON(t *testing.T) {
	assert.False(t, ShouldOutputJSON(nil))

	root, child := newTree()
	root.SetArgs([]string{"status"})
	require.NoError(t, root.Execute())
	assert.False(t, ShouldOutputJSON(child))

	root, child = newTree()
	root.SetArgs([]string{"status", "--json"})
	require.NoError(t, root.Execute())
	assert.True(t, ShouldOutputJSON(child))
}

func TestOutputJSON(t *testing.T) {
	_, child := newTree()
	var buf bytes.Buffer
	child.SetOut(&buf)

	require.NoError(t, OutputJSON(child, map[string]int{"found": 2}))
	assert.Equal(t, "{\n  \"found\": 2\n}\n", buf.String())
}
