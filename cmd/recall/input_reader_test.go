// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockInputReader_ReturnsInputsThenEOF(t *testing.T) {
	reader := NewMockInputReader([]string{"hello", "how are you"})

	line, err := reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", line)

	line, err = reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "how are you", line)

	_, err = reader.ReadLine()
	assert.Equal(t, io.EOF, err)
}

func TestInteractiveInputReader_HistoryDropsConsecutiveDuplicates(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 10, historyIndex: -1}

	r.addToHistory("first")
	r.addToHistory("first")
	r.addToHistory("second")
	r.addToHistory("first")

	assert.Equal(t, []string{"first", "second", "first"}, r.history)
}

func TestInteractiveInputReader_HistoryTrimsToMax(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 2, historyIndex: -1}

	r.addToHistory("one")
	r.addToHistory("two")
	r.addToHistory("three")

	assert.Equal(t, []string{"two", "three"}, r.history)
}

func TestIsExitCommand(t *testing.T) {
	assert.True(t, isExitCommand("exit"))
	assert.True(t, isExitCommand("quit"))
	assert.False(t, isExitCommand("EXIT"))
	assert.False(t, isExitCommand("hello"))
	assert.False(t, isExitCommand(""))
}
