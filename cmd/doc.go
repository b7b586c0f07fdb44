// Package cmd implements the searchwire command line interface.
package cmd
