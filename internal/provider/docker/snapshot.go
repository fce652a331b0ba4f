package docker

import (
	"github.com/cockroachdb/errors"
	"github.com/distribution/reference"
)

// SnapshotImage returns the image reference for a snapshot of templateImage:
// the same repository, tagged with the snapshot name.
func SnapshotImage(templateImage, snapshot string) (string, error) {
	named, err := reference.ParseNormalizedNamed(templateImage)
	if err != nil {
		return "", errors.Wrapf(err, "parse image %q", templateImage)
	}
	tagged, err := reference.WithTag(reference.TrimNamed(named), snapshot)
	if err != nil {
		return "", errors.Wrapf(err, "snapshot tag %q", snapshot)
	}
	return reference.FamiliarString(tagged), nil
}
