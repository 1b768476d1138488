// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// StudyManifestSchemaURL is the $id of the study manifest schema.
const StudyManifestSchemaURL = "https://schemas.gsadash.dev/v1.0.0/study-manifest.schema.json"

// StudyManifestSchema is the embedded study-manifest JSON schema.
//
//go:embed study-manifest.schema.json
var StudyManifestSchema []byte
