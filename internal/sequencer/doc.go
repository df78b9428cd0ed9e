// Package sequencer executes a device's instruction list against a GATT
// transport.
//
// An Engine owns one ble.Transport and one instruction list. All transport
// I/O is issued from tasks on a Loop, so a device sees at most one
// outstanding operation and every completion callback runs on the loop
// goroutine.
//
// # Lifecycle
//
//	New ──► Run ──► (AddInstruction)* ──► Destroy
//
//   - New validates the list and takes ownership of transport and list.
//   - Run schedules, in list order: WriteAtInit and ReadOnce as one-shot
//     operations, ReadPeriodic as self re-arming timers.
//   - AddInstruction schedules an on-demand write from any goroutine.
//   - Destroy stops timers, runs WriteAtExit entries in list order, then
//     disconnects and closes the transport.
//
// # Completions
//
// Every scheduled read or write produces exactly one Completion, delivered to
// the read or write callback. Failed periodic reads are reported and the
// timer re-arms anyway.
//
// # Thread Safety
//
//   - Run, AddInstruction, Destroy and Stats may be called from any goroutine.
//   - Destroy must not be called from the loop goroutine; it waits for the
//     loop to run the exit writes.
//
// # Usage
//
//	loop := sequencer.NewEventLoop()
//	go loop.Run()
//
//	engine, err := sequencer.New(transport, cfg.Instructions, onRead, onWrite,
//	    sequencer.Options{Loop: loop})
//	if err != nil {
//	    return err
//	}
//	_ = engine.Run()
//	...
//	_ = engine.Destroy(ctx)
//	loop.Quit()
package sequencer
