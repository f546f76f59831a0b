// Package internal contains the core implementation packages for kiln.
//
// # Package Organization
//
//   - config: configuration loading and validation with Viper, and the build Mode
//   - pathspec: include/exclude glob selections rooted at the source directory
//   - transform: the file transforms (Pug, Sass, esbuild, images, SVG sprite)
//   - task: asset tasks built from transforms, with mode-gated stages
//   - build: task graph composition, clean, result recording and metrics
//   - watcher: debounced file system notifications and task dispatch
//   - websocket: live reload hub for connected browsers
//   - server: development server for the build directory
//   - errors: typed build errors and the outstanding failure collector
//   - logging: structured logging
//   - version: build information of the running binary
//
// # Data Flow
//
// The command line loads a Config, builds the task catalog and hands it to a
// build.Pipeline. A one-shot build cleans the build directory and runs every
// task in parallel. The development pipeline runs the same tasks, then starts
// the server and a source watcher whose change batches are dispatched to the
// tasks whose watch specs match. The server watches the build directory
// separately and tells browsers to reload, or to swap stylesheets in place.
package internal
