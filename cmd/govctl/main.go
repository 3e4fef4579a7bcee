package main

import (
    "log"

    "github.com/amirimatin/go-consortium/pkg/cli"
)

func main() {
    if err := cli.NewRoot("govctl").Execute(); err != nil {
        log.Fatal(err)
    }
}
