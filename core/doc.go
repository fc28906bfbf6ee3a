// Package core centralizes the domain contracts shared by every peermind
// component: the error taxonomy and id generation. Leaf components (memory
// graph, session pool) and the coordination layers above them (task manager,
// peer mesh) all depend on core rather than on each other, keeping the
// dependency graph leaf-first and cycle free.
package core
