// Package workflow loads, validates and describes pipeline workflow files.
//
// A workflow declares one or more jobs; each job is a fixed, ordered list
// of steps that runs on a single executor. Workflow files are YAML, or
// JSON with comments when the file extension is .json or .jsonc. Because
// JSON is a subset of YAML, both are decoded through gopkg.in/yaml.v3 after
// github.com/tidwall/jsonc strips comments and trailing commas.
package workflow
