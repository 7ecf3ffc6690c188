package eonnext

const loginMutation = `mutation loginEmailAuthentication($input: ObtainJSONWebTokenInput!) {
  obtainKrakenToken(input: $input) {
    payload
    refreshExpiresIn
    refreshToken
    token
  }
}`

const refreshMutation = `mutation refreshToken($input: ObtainJSONWebTokenInput!) {
  obtainKrakenToken(input: $input) {
    payload
    refreshExpiresIn
    refreshToken
    token
  }
}`

const viewerAccountsQuery = `query headerGetLoggedInUser {
  viewer {
    accounts {
      ... on AccountType {
        id
        number
      }
    }
  }
}`

const accountMetersQuery = `query getAccountMeterSelector($accountNumber: String!, $showInactive: Boolean!) {
  properties(accountNumber: $accountNumber) {
    electricityMeterPoints {
      id
      mpan
      meters(includeInactive: $showInactive) {
        id
        serialNumber
      }
    }
    gasMeterPoints {
      id
      mprn
      meters(includeInactive: $showInactive) {
        id
        serialNumber
      }
    }
  }
}`

const accountDevicesQuery = `query getAccountDevices($accountNumber: String!) {
  devices(accountNumber: $accountNumber) {
    id
    provider
    deviceType
    status {
      current
    }
    __typename
    ... on SmartFlexVehicle {
      make
      model
    }
    ... on SmartFlexChargePoint {
      make
      model
    }
  }
}`

const smartChargingScheduleQuery = `query getSmartChargingSchedule($deviceId: String!) {
  flexPlannedDispatches(deviceId: $deviceId) {
    start
    end
    type
    energyAddedKwh
  }
}`

const readingsFragment = `{
    edges {
      node {
        readAt
        registers {
          name
          value
        }
      }
    }
  }`

const electricityReadingsQuery = `query meterReadingsHistoryTableElectricityReadings($accountNumber: String!, $cursor: String, $meterId: String!) {
  readings: electricityMeterReadings(accountNumber: $accountNumber, after: $cursor, first: 12, meterId: $meterId) ` + readingsFragment + `
}`

const gasReadingsQuery = `query meterReadingsHistoryTableGasReadings($accountNumber: String!, $cursor: String, $meterId: String!) {
  readings: gasMeterReadings(accountNumber: $accountNumber, after: $cursor, first: 12, meterId: $meterId) ` + readingsFragment + `
}`

const agreementFields = `agreements {
        validFrom
        validTo
        tariff {
          __typename
          ... on TariffType {
            displayName
            fullName
            tariffCode
          }
          ... on StandardTariff {
            unitRate
            standingCharge
          }
          ... on PrepayTariff {
            unitRate
            standingCharge
          }
          ... on HalfHourlyTariff {
            unitRates {
              value
              validFrom
              validTo
            }
            standingCharge
          }
        }
      }`

const accountAgreementsQuery = `query getAccountAgreements($accountNumber: String!) {
  properties(accountNumber: $accountNumber) {
    electricityMeterPoints {
      mpan
      ` + agreementFields + `
    }
    gasMeterPoints {
      mprn
      ` + agreementFields + `
    }
  }
}`
