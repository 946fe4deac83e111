// Package equipment abstracts the link to a physical production-line device.
//
// A Link reads and writes tags and invokes methods on one device. Links are
// short-lived: a reconciler dials one per cycle or command and closes it
// before the next suspension point. Dialers are selected by endpoint scheme
// through a Mux:
//
//	opc.tcp://host:4840   OPC UA server (package equipment/opcua)
//	sim://line-1          in-process Simulator
//
// Tag and method paths have the form {nodeName}/{name}, e.g.
// "Device 1/ProductionRate" or "Device 1/EmergencyStop".
package equipment
