package main

import (
	classchat "github.com/hoclab/classchat/app"
)

func main() {
	app := classchat.New(nil, nil)
	app.Start()
}
