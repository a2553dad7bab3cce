package main

import (
	"fmt"
	"os"

	"efio-gateway/pkg/config"
)

// problems counts validation failures across all documents so the exit
// code reflects the whole report, not just the first failure.
var problems int

func fail(name string, err error) {
	fmt.Printf("❌ %s: %v\n", name, err)
	problems++
}

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		if os.Args[1] == "--help" || os.Args[1] == "-h" {
			fmt.Println("Usage: validate-config [gateway.yaml]")
			fmt.Println("  Checks gateway.yaml and every JSON document in the config directory.")
			return
		}
		configPath = os.Args[1]
	}

	fmt.Printf("📄 Loading gateway.yaml (path: %s)\n", pathLabel(configPath))

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("❌ Error loading config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ gateway.yaml loaded (version %s)\n", cfg.Version)
	fmt.Printf("   Config dir: %s\n", cfg.ConfigDir)
	fmt.Printf("   HTTP listen: %s\n", cfg.HTTP.Listen)
	fmt.Printf("   Watchdog: timeout %ds, check every %ds, sweep every %ds\n",
		cfg.Watchdog.Timeout, cfg.Watchdog.CheckInterval, cfg.Watchdog.SweepInterval)
	if cfg.Metrics.Enabled {
		fmt.Printf("   Metrics: port %d\n", cfg.Metrics.Port)
	} else {
		fmt.Printf("   Metrics: disabled\n")
	}
	if cfg.GPIO.ForceSimulation {
		fmt.Printf("   GPIO: simulation forced, poll every %dms\n", cfg.GPIO.PollInterval)
	} else {
		fmt.Printf("   GPIO: hardware, poll every %dms\n", cfg.GPIO.PollInterval)
	}

	fmt.Printf("\n📄 Checking documents in %s\n", cfg.ConfigDir)

	if _, err := os.Stat(cfg.ConfigDir); err != nil {
		fmt.Printf("⚠️ Config directory does not exist - daemon will seed defaults on first start\n")
		fmt.Println("\n✅ Configuration is valid!")
		return
	}

	store, err := config.NewStore(cfg.ConfigDir)
	if err != nil {
		fmt.Printf("❌ Cannot open config directory: %v\n", err)
		os.Exit(1)
	}

	checkMQTT(store)
	checkCAN(store)
	checkModbusDevices(store)
	checkIO(store)
	checkModbusBridge(store)
	checkCANBridge(store)
	checkOpaque(store)

	if problems > 0 {
		fmt.Printf("\n❌ Found %d problem(s)\n", problems)
		os.Exit(1)
	}
	fmt.Println("\n✅ Configuration is valid!")
}

func pathLabel(configPath string) string {
	if configPath == "" {
		return "standard locations"
	}
	return configPath
}

func checkMQTT(store *config.Store) {
	if !store.Exists(config.FileMQTT) {
		fmt.Printf("⏭️ %s absent (defaults apply)\n", config.FileMQTT)
		return
	}
	mqttCfg, err := store.MQTT()
	if err != nil {
		fail(config.FileMQTT, err)
		return
	}
	if err := config.ValidateMQTTConfig(&mqttCfg); err != nil {
		fail(config.FileMQTT, err)
		return
	}
	state := "disabled"
	if mqttCfg.Enabled {
		state = mqttCfg.BrokerURL()
	}
	fmt.Printf("✅ %s — %s (client_id %s)\n", config.FileMQTT, state, mqttCfg.ClientID)
}

func checkCAN(store *config.Store) {
	if !store.Exists(config.FileCAN) {
		fmt.Printf("⏭️ %s absent (defaults apply)\n", config.FileCAN)
		return
	}
	canCfg, err := store.CAN()
	if err != nil {
		fail(config.FileCAN, err)
		return
	}
	if err := config.ValidateCANConfig(&canCfg); err != nil {
		fail(config.FileCAN, err)
		return
	}
	fmt.Printf("✅ %s — %s @ %d bps, %d device(s), %d filter(s)\n",
		config.FileCAN, canCfg.Controller.Transport, canCfg.Controller.Bitrate,
		len(canCfg.Devices), len(canCfg.Filters))
}

func checkModbusDevices(store *config.Store) {
	if !store.Exists(config.FileModbusDevices) {
		fmt.Printf("⏭️ %s absent (no devices)\n", config.FileModbusDevices)
		return
	}
	devices, err := store.ModbusDevices()
	if err != nil {
		fail(config.FileModbusDevices, err)
		return
	}
	bad := 0
	for i := range devices {
		if err := config.ValidateModbusDevice(&devices[i]); err != nil {
			fail(fmt.Sprintf("%s device %q", config.FileModbusDevices, devices[i].ID), err)
			bad++
		}
	}
	if bad > 0 {
		return
	}
	fmt.Printf("✅ %s — %d device(s)\n", config.FileModbusDevices, len(devices))
	for _, d := range devices {
		fmt.Printf("   - %s %q on %s, slave %d @ %d baud, %d register(s)\n",
			d.ID, d.Name, d.Port, d.SlaveID, d.Baudrate, len(d.Registers))
	}
}

func checkIO(store *config.Store) {
	if !store.Exists(config.FileIO) {
		fmt.Printf("⏭️ %s absent (defaults apply)\n", config.FileIO)
		return
	}
	ioCfg, err := store.IO()
	if err != nil {
		fail(config.FileIO, err)
		return
	}
	if err := config.ValidateIOConfig(&ioCfg); err != nil {
		fail(config.FileIO, err)
		return
	}
	fmt.Printf("✅ %s — %d input(s), %d output(s)\n",
		config.FileIO, len(ioCfg.Inputs), len(ioCfg.Outputs))
}

func checkModbusBridge(store *config.Store) {
	if !store.Exists(config.FileModbusBridge) {
		fmt.Printf("⏭️ %s absent (bridge disabled)\n", config.FileModbusBridge)
		return
	}
	bridgeCfg, err := store.ModbusBridge()
	if err != nil {
		fail(config.FileModbusBridge, err)
		return
	}
	if err := config.ValidateModbusBridgeConfig(&bridgeCfg); err != nil {
		fail(config.FileModbusBridge, err)
		return
	}
	fmt.Printf("✅ %s — enabled=%v, poll %.1fs, %d mapping(s)\n",
		config.FileModbusBridge, bridgeCfg.Enabled, bridgeCfg.PollInterval, len(bridgeCfg.Mappings))
}

func checkCANBridge(store *config.Store) {
	if !store.Exists(config.FileCANBridge) {
		fmt.Printf("⏭️ %s absent (bridge disabled)\n", config.FileCANBridge)
		return
	}
	bridgeCfg, err := store.CANBridge()
	if err != nil {
		fail(config.FileCANBridge, err)
		return
	}
	if err := config.ValidateCANBridgeConfig(&bridgeCfg); err != nil {
		fail(config.FileCANBridge, err)
		return
	}
	fmt.Printf("✅ %s — enabled=%v, %d mapping(s)\n",
		config.FileCANBridge, bridgeCfg.Enabled, len(bridgeCfg.Mappings))
}

// checkOpaque verifies the documents the daemon stores without
// interpreting (users, network, alarms) at least parse as JSON.
func checkOpaque(store *config.Store) {
	for _, name := range []string{config.FileUsers, config.FileNetwork, config.FileAlarm} {
		if !store.Exists(name) {
			fmt.Printf("⏭️ %s absent\n", name)
			continue
		}
		if _, err := store.LoadRaw(name); err != nil {
			fail(name, err)
			continue
		}
		fmt.Printf("✅ %s — valid JSON\n", name)
	}
}
