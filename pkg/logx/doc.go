// Package logx is postsched's logging layer: a value-type Logger over zerolog
// whose sinks and level can be swapped while the process runs.
//
// Console output is human-readable (short time, file:line caller); the file
// sink and the JSON console mode write one JSON object per line.
package logx
