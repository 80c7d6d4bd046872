package main

// Basic application info.
const (
	serviceName        = "tuntap"
	serviceDisplayName = "TUN/TAP"
	serviceVendor      = "com.mrgeckosmedia"
	serviceDescription = "Create and exercise TUN/TAP virtual interfaces"
	serviceVersion     = "0.1.0"
	defaultConfigFile  = "config.yaml"
)

// The application start.
func main() {
	// Parse the flags.
	ctx := ParseFlags()

	// Configure logging.
	flags.Log.Apply()

	// Run the command and exit.
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
