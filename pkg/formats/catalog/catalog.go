// Package catalog wires every supported firmware format into one registry.
package catalog

import (
	"github.com/blacktop/fwextract/pkg/formats"
	"github.com/blacktop/fwextract/pkg/formats/bdfw"
	"github.com/blacktop/fwextract/pkg/formats/epk"
	"github.com/blacktop/fwextract/pkg/formats/fwtoc"
	"github.com/blacktop/fwextract/pkg/formats/mtk"
	"github.com/blacktop/fwextract/pkg/formats/sparseimg"
	"github.com/blacktop/fwextract/pkg/keys"
)

// Formats returns the supported formats in probe order. The salted mtk
// variant must be probed before the legacy one.
func Formats() []formats.Format {
	return []formats.Format{
		epk.Format(),
		bdfw.Format(),
		mtk.Format(),
		mtk.LegacyFormat(),
		fwtoc.Format(),
		sparseimg.Format(),
	}
}

// Default returns a registry holding every supported format.
func Default() *formats.Registry {
	r, err := formats.NewRegistry(Formats()...)
	if err != nil {
		// names are unique
		panic(err)
	}
	return r
}

// Builtin returns the key material compiled into the format drivers.
func Builtin() keys.Catalog {
	return keys.Catalog{
		epk.Name:       epk.Builtin,
		bdfw.Name:      bdfw.Builtin,
		mtk.Name:       mtk.Builtin,
		mtk.LegacyName: mtk.LegacyBuiltin,
		fwtoc.Name:     fwtoc.Builtin,
	}
}
