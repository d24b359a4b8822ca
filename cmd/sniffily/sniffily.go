package main

import (
	"log"
	"os"

	"canscope/config"
	"canscope/export"
)

func main() {
	flags := config.GetFilterFlags()

	ids, err := export.IDSet(flags.IDs)
	if err != nil {
		log.Fatal(err)
	}

	file, err := os.Open(flags.In)
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	outFile, err := os.Create(flags.Out)
	if err != nil {
		log.Fatal(err)
	}

	kept, err := export.Filter(file, outFile, ids)
	if err != nil {
		log.Fatal(err)
	}

	// Flush to disk
	if err = outFile.Sync(); err != nil {
		log.Fatal(err)
	}
	if err = outFile.Close(); err != nil {
		log.Fatal(err)
	}
	log.Printf("kept %d rows in %s", kept, flags.Out)
}
