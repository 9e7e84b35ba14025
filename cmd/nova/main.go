// nova is the AI trust gateway: policy-screened model calls with a
// hash-chained decision log.
package main

import "github.com/ppiankov/novagate/internal/cli"

func main() {
	cli.Execute()
}
