/*Package pump bridges a sensor-telemetry broker and a device-telemetry
ingestion API.

The source side is an organization of sensors. Each sensor publishes
timestamped readings of one measurement kind to an MQTT broker. The
ingestion side knows nothing about sensors; it accepts readings per
provisioned device instance, authenticated with the instance's own client
certificate.

The pump operates in two modes:

Provisioning runs once. It lists the organization's sensors, creates a
device type per measurement kind and a device instance per sensor on the
ingestion side, generates a client certificate for each instance, and
persists the sensor-to-device mapping into a single JSON file.

Relay runs forever. It subscribes to the live reading stream, resolves
every reading through the mapping, transforms it into the ingestion shape
and forwards it with the device's certificate. Readings for unknown
sensors are dropped and counted. The relay is crash-only: it keeps no
cursor, and an external supervisor restarts the process on fatal errors.
*/
package pump
