package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	t.Parallel()

	st, err := ParseSourceType("research_center")
	require.NoError(t, err)
	assert.Equal(t, SourceTypeResearchCenter, st)

	m, err := ParseRetrievalMethod(" sftp ")
	require.NoError(t, err)
	assert.Equal(t, RetrievalMethodSFTP, m)

	f, err := ParseImageFormat("Dicom")
	require.NoError(t, err)
	assert.Equal(t, ImageFormatDICOM, f)

	s, err := ParseRetrievalStatus("IN_PROGRESS")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, s)

	_, err = ParseImageFormat("GIF")
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = ParseSourceType("")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestValidateFilename(t *testing.T) {
	t.Parallel()

	valid := []string{"scan.dcm", "IMG_0001.png", "a..b.tiff"}
	for _, name := range valid {
		assert.NoError(t, ValidateFilename(name), name)
	}

	invalid := []string{"", " ", "../etc/passwd", "dir/scan.dcm", `dir\scan.dcm`, ".", ".."}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateFilename(name), ErrValidation, name)
	}
}

func TestImageMetadataValidate(t *testing.T) {
	t.Parallel()

	ok := ImageMetadata{Format: ImageFormatPNG, Modality: "XR", Region: "HAND", SizeBytes: 10}
	assert.NoError(t, ok.Validate())

	missingModality := ok
	missingModality.Modality = ""
	assert.ErrorIs(t, missingModality.Validate(), ErrValidation)

	negative := ok
	negative.SizeBytes = -1
	assert.ErrorIs(t, negative.Validate(), ErrValidation)

	badFormat := ok
	badFormat.Format = "BMP"
	assert.ErrorIs(t, badFormat.Validate(), ErrValidation)
}
