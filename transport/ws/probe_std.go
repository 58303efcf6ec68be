//go:build !(js || wasip1)

package ws

func init() {
	Available = true
}
