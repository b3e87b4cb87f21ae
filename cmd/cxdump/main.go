package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sbinet/npyio"

	"github.com/cxsdr/cxsdr/cx2388x"
)

// openDevice sets up either a simulated card or real hardware. The returned
// cleanup func stops the simulated producer, if there is one.
func openDevice(cardnum int, sim bool, cfg cx2388x.Config) (*cx2388x.Device, func(), error) {
	if sim {
		bank := cx2388x.NewSimBank()
		device, err := cx2388x.Setup(bank, &cx2388x.HeapAllocator{}, cfg)
		if err != nil {
			return nil, nil, err
		}
		producer := cx2388x.NewSimProducer(bank, device.Ring())
		producer.AdvancePages(2)
		producer.Run(100 * time.Microsecond)
		return device, producer.Stop, nil
	}

	mmio, err := cx2388x.OpenMMIODevice(cardnum)
	if err != nil {
		return nil, nil, err
	}
	device, err := cx2388x.Setup(mmio, &cx2388x.HeapAllocator{}, cfg)
	if err != nil {
		mmio.Close()
		return nil, nil, err
	}
	return device, func() { mmio.Close() }, nil
}

func dump(cardnum int, sim bool, rate cx2388x.Rate, nbytes int, outname string, asNpy bool) error {
	cfg := cx2388x.Config{Rate: rate}
	device, cleanup, err := openDevice(cardnum, sim, cfg)
	if err != nil {
		return err
	}
	defer device.Teardown()
	defer cleanup()

	if err := device.Start(); err != nil {
		return err
	}
	defer device.Stop()
	session, err := device.OpenSession(cx2388x.SessionOptions{
		PollInterval: time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Printf("Capturing %d bytes at %s into %s\n", nbytes, rate, outname)
	data := make([]byte, nbytes)
	for read := 0; read < nbytes; {
		n, err := session.Read(data[read:], true)
		read += n
		if err != nil {
			return err
		}
	}

	f, err := os.Create(outname)
	if err != nil {
		return err
	}
	defer f.Close()

	if !asNpy {
		_, err := f.Write(data)
		return err
	}
	if rate.SampleBytes() == 2 {
		samples := make([]uint16, len(data)/2)
		for i := range samples {
			samples[i] = binary.LittleEndian.Uint16(data[2*i:])
		}
		return npyio.Write(f, samples)
	}
	return npyio.Write(f, data)
}

func main() {
	cardnum := flag.Int("cardnum", 0, "Number of the device to open. 0-999 allowed")
	sim := flag.Bool("sim", false, "Capture from the simulated device instead of hardware")
	rate := flag.Int("rate", int(cx2388x.Rate8FscU8), "Sampling-rate preset (0-5)")
	nbytes := flag.Int("bytes", 1<<20, "Number of bytes to capture")
	output := flag.String("output", "capture.dat", "Output file name")
	asNpy := flag.Bool("npy", false, "Write a numpy .npy file instead of raw bytes")
	flag.Usage = func() {
		fmt.Println("cxdump, a program to capture a fixed span of samples to a file")
		fmt.Println("Usage:")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *cardnum < 0 || *cardnum > 999 {
		fmt.Println("Cardnum must be in the range [0, 999].")
		return
	}
	if *rate < int(cx2388x.Rate4FscU8) || *rate > int(cx2388x.Rate5FscU16) {
		fmt.Println("Rate preset must be in the range [0, 5].")
		return
	}

	err := dump(*cardnum, *sim, cx2388x.Rate(*rate), *nbytes, *output, *asNpy)
	if err != nil {
		fmt.Println("dump returned error: ", err)
	}
}
