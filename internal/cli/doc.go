// Package cli wires configuration, stores and adapters into the commands of the espalier binary.
package cli
